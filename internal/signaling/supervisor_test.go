package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
)

func TestSupervisorBinding(t *testing.T) {
	s := newServer(t, nil, time.Second)

	c := s.connect()
	require.Equal(t, 1, s.supervisor.Connections())

	peer := s.peers.Register(&auth.AuthClaims{Username: "alice", Role: auth.RoleUser}, "", "")
	require.NoError(t, s.supervisor.Bind(c, peer.ID()))
	require.ErrorIs(t, s.supervisor.Bind(c, "other"), models.ErrAlreadyRegistered)

	s.supervisor.SendToPeer(peer.ID(), models.NewEvent(models.EventRoomClosed, models.RoomClosedEvent{RoomID: "x"}))
	require.NotNil(t, c.last(models.EventRoomClosed))

	// unknown peers are skipped
	s.supervisor.SendToPeer("P-missing", models.NewEvent(models.EventRoomClosed, nil))

	t.Run("detached connections cannot bind", func(t *testing.T) {
		gone := s.connect()
		s.supervisor.Detach(gone)
		require.ErrorIs(t, s.supervisor.Bind(gone, peer.ID()), models.ErrClosed)
	})

	t.Run("terminating elsewhere unbinds", func(t *testing.T) {
		s.peers.Terminate(peer.ID(), rtc.ReasonShutdown)
		require.Empty(t, s.supervisor.PeerFor(c))
		require.False(t, c.isClosed())
	})
}

func TestSupervisorDetach(t *testing.T) {
	s := newServer(t, nil, time.Second)
	c, peerID := s.register(t, "alice", auth.RoleUser)
	roomToken := s.createRoom(t, c, "R")
	require.Empty(t, s.request(t, c, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil).Error)
	require.Equal(t, 1, s.rooms.GetRoom("R").PeerCount())

	s.supervisor.Detach(c)
	require.Equal(t, 0, s.supervisor.Connections())
	require.Nil(t, s.peers.Get(peerID))
	require.Equal(t, 0, s.rooms.GetRoom("R").PeerCount())

	// a second detach is a no-op
	s.supervisor.Detach(c)
}

func TestSupervisorShutdown(t *testing.T) {
	s := newServer(t, nil, time.Second)
	a, _ := s.register(t, "alice", auth.RoleUser)
	b, _ := s.register(t, "bob", auth.RoleUser)

	s.supervisor.Shutdown()
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
}
