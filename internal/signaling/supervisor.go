package signaling

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/metrics"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
)

// Connection is one client socket as the signaling layer sees it. Send must not block;
// Close flushes what was already queued and then drops the socket.
type Connection interface {
	ID() string
	Send(env *models.Envelope) error
	Close()
}

// Supervisor owns the connection to peer mapping. Nothing else writes it, and every
// path that ends a peer (socket loss, terminatePeer, media failure) goes through
// TerminatePeer or Detach.
type Supervisor struct {
	peers  *rtc.PeerRegistry
	logger *zap.SugaredLogger

	lock     sync.RWMutex
	conns    map[string]Connection
	connPeer map[string]string
	peerConn map[string]Connection
}

func NewSupervisor(peers *rtc.PeerRegistry, logger *zap.SugaredLogger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Supervisor{
		peers:    peers,
		logger:   logger,
		conns:    make(map[string]Connection),
		connPeer: make(map[string]string),
		peerConn: make(map[string]Connection),
	}
	// peers terminated elsewhere (shutdown, room eviction) lose their binding too
	peers.OnTerminated(func(p *rtc.Peer, _ string) { s.unbindPeer(p.ID()) })
	return s
}

func (s *Supervisor) Attach(conn Connection) {
	s.lock.Lock()
	s.conns[conn.ID()] = conn
	s.lock.Unlock()

	metrics.Connections.Inc()
	s.logger.Debugw("connection attached", "connID", conn.ID())
}

// Detach forgets a closed socket and terminates the peer bound to it, if any.
func (s *Supervisor) Detach(conn Connection) {
	s.lock.Lock()
	if _, ok := s.conns[conn.ID()]; !ok {
		s.lock.Unlock()
		return
	}
	delete(s.conns, conn.ID())
	peerID := s.connPeer[conn.ID()]
	delete(s.connPeer, conn.ID())
	if peerID != "" {
		delete(s.peerConn, peerID)
	}
	s.lock.Unlock()

	metrics.Connections.Dec()
	s.logger.Debugw("connection detached", "connID", conn.ID(), "peerID", peerID)
	if peerID != "" {
		s.peers.Terminate(peerID, rtc.ReasonDisconnected)
	}
}

// Bind ties a registered peer to conn. A connection carries at most one peer.
func (s *Supervisor) Bind(conn Connection, peerID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.conns[conn.ID()]; !ok {
		return models.NewError(models.CodeClosed, "connection %s is closed", conn.ID())
	}
	if existing := s.connPeer[conn.ID()]; existing != "" {
		return models.NewError(models.CodeAlreadyRegistered, "connection already registered as %s", existing)
	}
	s.connPeer[conn.ID()] = peerID
	s.peerConn[peerID] = conn
	return nil
}

func (s *Supervisor) PeerFor(conn Connection) string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.connPeer[conn.ID()]
}

// SendToPeer queues env on the peer's connection. Peers without one are skipped.
func (s *Supervisor) SendToPeer(peerID string, env *models.Envelope) {
	s.lock.RLock()
	conn := s.peerConn[peerID]
	s.lock.RUnlock()

	if conn == nil {
		return
	}
	if err := conn.Send(env); err != nil {
		s.logger.Debugw("dropping event", "peerID", peerID, "type", env.Type, "error", err)
	}
}

// TerminatePeer tells the peer why it is going away, releases everything it holds and,
// when closeConn is set, closes its socket once queued messages are flushed.
func (s *Supervisor) TerminatePeer(peerID, reason string, closeConn bool) {
	s.lock.RLock()
	conn := s.peerConn[peerID]
	s.lock.RUnlock()

	if conn != nil {
		_ = conn.Send(models.NewEvent(models.EventPeerTerminated, models.PeerTerminatedEvent{PeerID: peerID, Reason: reason}))
	}
	s.unbindPeer(peerID)
	s.peers.Terminate(peerID, reason)

	if closeConn && conn != nil {
		conn.Close()
	}
}

func (s *Supervisor) Connections() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.conns)
}

// Shutdown closes every socket. Peers are terminated as their sockets detach.
func (s *Supervisor) Shutdown() {
	s.lock.RLock()
	conns := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Supervisor) unbindPeer(peerID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	conn := s.peerConn[peerID]
	if conn == nil {
		return
	}
	delete(s.peerConn, peerID)
	if s.connPeer[conn.ID()] == peerID {
		delete(s.connPeer, conn.ID())
	}
}
