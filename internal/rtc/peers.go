package rtc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/metrics"
)

// PeerRegistry owns every registered peer. Terminate is the only way a peer goes away.
type PeerRegistry struct {
	engine media.Engine
	rooms  *RoomRegistry
	logger *zap.SugaredLogger

	lock         sync.RWMutex
	peers        map[string]*Peer
	onTerminated []func(p *Peer, reason string)
}

func NewPeerRegistry(engine media.Engine, rooms *RoomRegistry, logger *zap.SugaredLogger) *PeerRegistry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PeerRegistry{
		engine: engine,
		rooms:  rooms,
		logger: logger,
		peers:  make(map[string]*Peer),
	}
}

// Register creates a peer for verified claims. Binding it to a connection is up to the caller.
func (r *PeerRegistry) Register(claims *auth.AuthClaims, displayName, trackingID string) *Peer {
	if displayName == "" {
		displayName = claims.Username
	}
	p := NewPeer(PeerParams{
		Username:    claims.Username,
		Role:        claims.Role,
		DisplayName: displayName,
		TrackingID:  trackingID,
		Engine:      r.engine,
		Logger:      r.logger,
	})

	r.lock.Lock()
	r.peers[p.ID()] = p
	r.lock.Unlock()

	metrics.PeersRegistered.Inc()
	r.logger.Infow("peer registered", "peerID", p.ID(), "username", claims.Username, "role", claims.Role)
	return p
}

func (r *PeerRegistry) Get(peerID string) *Peer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.peers[peerID]
}

func (r *PeerRegistry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.peers)
}

// OnTerminated registers f to run after a peer is terminated.
func (r *PeerRegistry) OnTerminated(f func(p *Peer, reason string)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.onTerminated = append(r.onTerminated, f)
}

// Terminate leaves the peer's room, releases everything it owns and forgets it. It
// reports false when the peer is unknown or was already terminated.
func (r *PeerRegistry) Terminate(peerID, reason string) bool {
	r.lock.Lock()
	p, ok := r.peers[peerID]
	delete(r.peers, peerID)
	hooks := r.onTerminated
	r.lock.Unlock()

	if !ok || !p.markTerminated() {
		return false
	}

	if roomID := p.RoomID(); roomID != "" && r.rooms != nil {
		if err := r.rooms.LeaveRoom(p, roomID); err != nil {
			r.logger.Debugw("leave on terminate", "peerID", peerID, "roomID", roomID, "error", err)
		}
	}
	// covers transports created before any join
	p.releaseRoomResources("")

	for _, f := range hooks {
		f(p, reason)
	}
	metrics.PeersRegistered.Dec()
	r.logger.Infow("peer terminated", "peerID", peerID, "reason", reason)
	return true
}

func (r *PeerRegistry) Shutdown() {
	r.lock.RLock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.lock.RUnlock()

	for _, id := range ids {
		r.Terminate(id, ReasonShutdown)
	}
}
