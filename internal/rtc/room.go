package rtc

import (
	"sync"
	"time"

	"github.com/mossy-p/roomserver/internal/models"
)

// Room is a named session. Members are kept in join order; the lock guards membership,
// status and timers, and is always taken before any member's peer lock.
type Room struct {
	id         string
	name       string
	trackingID string
	owner      string
	config     models.RoomConfig
	createdAt  time.Time

	lock          sync.Mutex
	status        models.RoomStatus
	peers         map[string]*Peer
	order         []string
	idleTimer     *time.Timer
	idleGen       uint64
	durationTimer *time.Timer
}

func newRoom(id, name, trackingID, owner string, config models.RoomConfig) *Room {
	return &Room{
		id:         id,
		name:       name,
		trackingID: trackingID,
		owner:      owner,
		config:     config,
		createdAt:  time.Now(),
		status:     models.RoomStatusNone,
		peers:      make(map[string]*Peer),
	}
}

func (r *Room) ID() string                { return r.id }
func (r *Room) Name() string              { return r.name }
func (r *Room) TrackingID() string        { return r.trackingID }
func (r *Room) Owner() string             { return r.owner }
func (r *Room) Config() models.RoomConfig { return r.config }

func (r *Room) Status() models.RoomStatus {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.status
}

func (r *Room) PeerCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.peers)
}

func (r *Room) Peer(id string) *Peer {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.peers[id]
}

// Peers returns the members in join order.
func (r *Room) Peers() []*Peer {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.peersLocked()
}

func (r *Room) Metadata() models.RoomMetadata {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.metadataLocked()
}

func (r *Room) metadataLocked() models.RoomMetadata {
	return models.RoomMetadata{
		ID:         r.id,
		Name:       r.name,
		TrackingID: r.trackingID,
		OwnerID:    r.owner,
		Status:     r.status,
		CreatedAt:  r.createdAt,
		MaxPeers:   r.config.MaxPeers,
		PeerCount:  len(r.peers),
		Config:     r.config,
	}
}

func (r *Room) peersLocked() []*Peer {
	peers := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, r.peers[id])
	}
	return peers
}

func (r *Room) advanceLocked(next models.RoomStatus) bool {
	if !r.status.CanAdvanceTo(next) {
		return false
	}
	r.status = next
	return true
}

func (r *Room) addPeerLocked(p *Peer) {
	r.peers[p.ID()] = p
	r.order = append(r.order, p.ID())
}

func (r *Room) removePeerLocked(id string) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// broadcastLocked hands env to every member except exclude, in join order. Sinks only
// enqueue, so recipients observe events in the order the room produced them.
func (r *Room) broadcastLocked(sink EventSink, exclude string, env *models.Envelope) {
	if sink == nil {
		return
	}
	for _, id := range r.order {
		if id != exclude {
			sink.SendToPeer(id, env)
		}
	}
}

// armIdleTimerLocked starts the empty-room timer. Every arm and cancel bumps the
// generation so a timer that fires after a rejoin finds a stale generation and backs off.
func (r *Room) armIdleTimerLocked(fire func(gen uint64)) {
	secs := r.config.TimeOutNoParticipantsSecs
	if secs <= 0 || r.idleTimer != nil || r.status == models.RoomStatusClosed {
		return
	}
	r.idleGen++
	gen := r.idleGen
	r.idleTimer = time.AfterFunc(time.Duration(secs)*time.Second, func() { fire(gen) })
}

func (r *Room) cancelIdleTimerLocked() {
	if r.idleTimer == nil {
		return
	}
	r.idleTimer.Stop()
	r.idleTimer = nil
	r.idleGen++
}

func (r *Room) stopTimersLocked() {
	r.cancelIdleTimerLocked()
	if r.durationTimer != nil {
		r.durationTimer.Stop()
		r.durationTimer = nil
	}
}
