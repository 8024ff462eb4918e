package media

import "context"

// Await runs fn and returns its result, or ctx.Err() if ctx finishes first. A result that
// arrives after the caller gave up is handed to release so the resource is not leaked.
func Await[T any](ctx context.Context, fn func(ctx context.Context) (T, error), release func(T)) (T, error) {
	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil && release != nil {
				release(r.value)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
