package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomserver/internal/logger"
	"github.com/mossy-p/roomserver/internal/models"
)

type received struct {
	event     Event
	signature string
	body      []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, func() []received) {
	var (
		lock sync.Mutex
		got  []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(body, &ev))

		lock.Lock()
		got = append(got, received{event: ev, signature: r.Header.Get(SignatureHeader), body: body})
		lock.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []received {
		lock.Lock()
		defer lock.Unlock()
		return append([]received(nil), got...)
	}
}

func TestNotifier(t *testing.T) {
	srv, got := newReceiver(t, http.StatusOK)
	n := NewNotifier(NotifierParams{Secret: "hush", Workers: 2, Logger: logger.Nop()})

	room := models.RoomMetadata{
		ID: "r1",
		Config: models.RoomConfig{Callbacks: models.RoomCallbacks{
			OnRoomClosed: srv.URL + "/closed",
			OnPeerJoined: srv.URL + "/joined",
		}},
	}
	n.PeerJoined(room, models.PeerInfo{PeerID: "P-1", DisplayName: "alice"})
	// no callback configured
	n.PeerLeft(room, "P-1")
	n.RoomClosed(room, "no participants")
	n.Stop()

	events := got()
	require.Len(t, events, 2)

	byType := map[string]received{}
	for _, e := range events {
		byType[e.event.Event] = e
		require.Equal(t, "r1", e.event.Room.ID)
		require.NotEmpty(t, e.event.ID)
		require.Equal(t, Sign("hush", e.body), e.signature)
	}
	require.Equal(t, "alice", byType[EventPeerJoined].event.Peer.DisplayName)
	require.Equal(t, "no participants", byType[EventRoomClosed].event.Reason)
}

func TestNotifier_Unsigned(t *testing.T) {
	srv, got := newReceiver(t, http.StatusInternalServerError)
	n := NewNotifier(NotifierParams{Logger: logger.Nop()})

	n.PeerLeft(models.RoomMetadata{ID: "r2", Config: models.RoomConfig{Callbacks: models.RoomCallbacks{OnPeerLeft: srv.URL}}}, "P-9")
	n.Stop()

	events := got()
	require.Len(t, events, 1)
	require.Empty(t, events[0].signature)
	require.Equal(t, "P-9", events[0].event.PeerID)
}

func TestSign(t *testing.T) {
	require.Equal(t, Sign("k", []byte("body")), Sign("k", []byte("body")))
	require.NotEqual(t, Sign("k", []byte("body")), Sign("other", []byte("body")))
	require.Regexp(t, "^sha256=[0-9a-f]{64}$", Sign("k", nil))
}
