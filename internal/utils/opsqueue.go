package utils

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// OpsQueue runs closures one at a time, in the order they were enqueued.
type OpsQueue struct {
	logger *zap.SugaredLogger
	name   string
	limit  int

	lock      sync.Mutex
	cond      *sync.Cond
	ops       *deque.Deque[func()]
	isStopped bool
	done      chan struct{}
}

// NewOpsQueue creates a queue holding at most limit pending ops; limit <= 0 means unbounded.
func NewOpsQueue(logger *zap.SugaredLogger, name string, limit int) *OpsQueue {
	oq := &OpsQueue{
		logger: logger,
		name:   name,
		limit:  limit,
		ops:    deque.New[func()](),
		done:   make(chan struct{}),
	}
	oq.cond = sync.NewCond(&oq.lock)
	return oq
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop refuses new ops. Ops already queued still run; Done closes after the last one.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStopped = true
	oq.cond.Broadcast()
	oq.lock.Unlock()
}

func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done
}

// Enqueue reports false when the queue is stopped or full.
func (oq *OpsQueue) Enqueue(op func()) bool {
	oq.lock.Lock()
	defer oq.lock.Unlock()

	if oq.isStopped {
		return false
	}
	if oq.limit > 0 && oq.ops.Len() >= oq.limit {
		oq.logger.Errorw("ops queue full", "name", oq.name, "size", oq.limit)
		return false
	}
	oq.ops.PushBack(op)
	oq.cond.Signal()
	return true
}

func (oq *OpsQueue) Len() int {
	oq.lock.Lock()
	defer oq.lock.Unlock()
	return oq.ops.Len()
}

func (oq *OpsQueue) process() {
	defer close(oq.done)

	for {
		oq.lock.Lock()
		for oq.ops.Len() == 0 && !oq.isStopped {
			oq.cond.Wait()
		}
		if oq.ops.Len() == 0 {
			oq.lock.Unlock()
			return
		}
		op := oq.ops.PopFront()
		oq.lock.Unlock()

		op()
	}
}
