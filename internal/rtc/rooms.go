package rtc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/metrics"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/utils"
)

const (
	storeTimeout   = 3 * time.Second
	storeQueueSize = 1024

	ReasonIdle          = "no participants"
	ReasonMaxDuration   = "max duration reached"
	ReasonPeerCount     = "peer count reached"
	ReasonShutdown      = "server shutting down"
	ReasonTerminated    = "terminated"
	ReasonMediaFailure  = "media resource unavailable"
	ReasonDisconnected  = "connection closed"
	ReasonPeerRequested = "peer requested"
)

type RoomRegistryParams struct {
	Tokens *auth.Service
	// Defaults fill in zero fields of a room's config.
	Defaults models.RoomConfig
	Store    RoomStore
	Observer RoomObserver
	Logger   *zap.SugaredLogger
}

type CreateRoomParams struct {
	RoomID    string
	RoomToken string
	Name      string
	Owner     string
	Config    models.RoomConfig
}

type JoinResult struct {
	RoomID     string
	RoomStatus models.RoomStatus
	// Peers are the other members in join order.
	Peers []models.PeerInfo
}

// RoomRegistry owns every live room. Its lock only guards the id map; room state is
// behind each room's own lock.
type RoomRegistry struct {
	tokens   *auth.Service
	defaults models.RoomConfig
	store    RoomStore
	observer RoomObserver
	logger   *zap.SugaredLogger

	sinkLock sync.RWMutex
	sink     EventSink
	onClosed []func(roomID string, members []*Peer)

	storeQueue *utils.OpsQueue

	lock     sync.RWMutex
	rooms    map[string]*Room
	shutdown bool
}

func NewRoomRegistry(params RoomRegistryParams) *RoomRegistry {
	l := params.Logger
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	r := &RoomRegistry{
		tokens:   params.Tokens,
		defaults: params.Defaults,
		store:    params.Store,
		observer: params.Observer,
		logger:   l,
		rooms:    make(map[string]*Room),
	}
	if r.store != nil {
		r.storeQueue = utils.NewOpsQueue(l, "room-store", storeQueueSize)
		r.storeQueue.Start()
	}
	return r
}

// SetEventSink wires the connection layer in once it exists.
func (r *RoomRegistry) SetEventSink(sink EventSink) {
	r.sinkLock.Lock()
	defer r.sinkLock.Unlock()
	r.sink = sink
}

// OnRoomClosed registers f to run after a room is closed, with the members it had.
func (r *RoomRegistry) OnRoomClosed(f func(roomID string, members []*Peer)) {
	r.sinkLock.Lock()
	defer r.sinkLock.Unlock()
	r.onClosed = append(r.onClosed, f)
}

func (r *RoomRegistry) eventSink() EventSink {
	r.sinkLock.RLock()
	defer r.sinkLock.RUnlock()
	return r.sink
}

func (r *RoomRegistry) CreateRoom(ctx context.Context, params CreateRoomParams) (*Room, error) {
	if params.RoomID == "" {
		return nil, models.NewError(models.CodeInvalidToken, "room id is required")
	}
	claims, err := r.tokens.VerifyRoomTokenForRoom(params.RoomToken, params.RoomID)
	if err != nil {
		return nil, err
	}

	trackingID := claims.TrackingID
	name := params.Name
	if name == "" {
		name = params.RoomID
	}
	room := newRoom(params.RoomID, name, trackingID, params.Owner, r.withDefaults(params.Config))
	room.advanceLocked(models.RoomStatusInitializing)

	r.lock.Lock()
	if r.shutdown {
		r.lock.Unlock()
		return nil, models.NewError(models.CodeClosed, "server is shutting down")
	}
	if _, ok := r.rooms[room.id]; ok {
		r.lock.Unlock()
		return nil, models.NewError(models.CodeAlreadyExists, "room %s already exists", room.id)
	}
	r.rooms[room.id] = room
	r.lock.Unlock()

	room.lock.Lock()
	room.armIdleTimerLocked(func(gen uint64) { r.closeIdleRoom(room, gen) })
	if secs := room.config.MaxDurationSecs; secs > 0 {
		room.durationTimer = time.AfterFunc(time.Duration(secs)*time.Second, func() {
			r.closeRoom(room, ReasonMaxDuration, "max_duration", nil)
		})
	}
	room.advanceLocked(models.RoomStatusReady)
	meta := room.metadataLocked()
	room.lock.Unlock()

	metrics.RoomsActive.Inc()
	r.mirror(func(ctx context.Context) error { return r.store.SaveRoom(ctx, meta) })
	r.logger.Infow("room created", "roomID", room.id, "owner", room.owner, "maxPeers", room.config.MaxPeers)
	return room, nil
}

func (r *RoomRegistry) GetRoom(id string) *Room {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.rooms[id]
}

func (r *RoomRegistry) Rooms() []*Room {
	r.lock.RLock()
	defer r.lock.RUnlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (r *RoomRegistry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.rooms)
}

// JoinRoom admits peer into roomID. Joining the room the peer is already in returns the
// current snapshot without announcing it again.
func (r *RoomRegistry) JoinRoom(ctx context.Context, peer *Peer, roomID, roomToken string) (*JoinResult, error) {
	if _, err := r.tokens.VerifyRoomTokenForRoom(roomToken, roomID); err != nil {
		return nil, err
	}
	room := r.GetRoom(roomID)
	if room == nil {
		return nil, models.NewError(models.CodeNotFound, "room %s not found", roomID)
	}

	room.lock.Lock()
	if room.status == models.RoomStatusClosed {
		room.lock.Unlock()
		return nil, models.NewError(models.CodeClosed, "room %s is closed", roomID)
	}
	_, rejoin := room.peers[peer.ID()]
	if !rejoin {
		if limit := room.config.MaxPeers; limit > 0 && len(room.peers) >= limit {
			room.lock.Unlock()
			return nil, models.NewError(models.CodeFull, "room %s is full", roomID)
		}
		if err := peer.attachToRoom(roomID); err != nil {
			room.lock.Unlock()
			return nil, err
		}
		room.addPeerLocked(peer)
		room.cancelIdleTimerLocked()
	}

	result := &JoinResult{RoomID: roomID, RoomStatus: room.status, Peers: []models.PeerInfo{}}
	for _, member := range room.peersLocked() {
		if member.ID() != peer.ID() {
			result.Peers = append(result.Peers, member.Info())
		}
	}
	var (
		info models.PeerInfo
		meta models.RoomMetadata
	)
	if !rejoin {
		info = peer.Info()
		room.broadcastLocked(r.eventSink(), peer.ID(), models.NewEvent(models.EventRoomNewPeer, models.RoomNewPeerEvent{
			RoomID:   roomID,
			PeerInfo: info,
		}))
		meta = room.metadataLocked()
	}
	room.lock.Unlock()

	if rejoin {
		return result, nil
	}

	metrics.RoomMembers.Inc()
	r.mirror(func(ctx context.Context) error { return r.store.AddPeer(ctx, roomID, peer.ID()) })
	if r.observer != nil {
		r.observer.PeerJoined(meta, info)
	}
	r.logger.Infow("peer joined room", "roomID", roomID, "peerID", peer.ID(), "peers", meta.PeerCount)
	return result, nil
}

// LeaveRoom removes peer from roomID and tears down its room resources.
func (r *RoomRegistry) LeaveRoom(peer *Peer, roomID string) error {
	room := r.GetRoom(roomID)
	if room == nil {
		// the room may already be closing; its teardown owns the peer's resources
		if peer.RoomID() == roomID && roomID != "" {
			peer.releaseRoomResources(roomID)
			return nil
		}
		return models.NewError(models.CodeNotFound, "room %s not found", roomID)
	}

	room.lock.Lock()
	if !room.removePeerLocked(peer.ID()) {
		room.lock.Unlock()
		return models.NewError(models.CodeNotInRoom, "peer is not in room %s", roomID)
	}
	room.broadcastLocked(r.eventSink(), peer.ID(), models.NewEvent(models.EventRoomPeerLeft, models.RoomPeerLeftEvent{
		RoomID: roomID,
		PeerID: peer.ID(),
	}))
	remaining := len(room.peers)
	closeAt := room.config.CloseOnPeerCount
	closeNow := closeAt != nil && remaining == *closeAt
	if remaining == 0 && !closeNow {
		room.armIdleTimerLocked(func(gen uint64) { r.closeIdleRoom(room, gen) })
	}
	meta := room.metadataLocked()
	room.lock.Unlock()

	peer.releaseRoomResources(roomID)

	metrics.RoomMembers.Dec()
	r.mirror(func(ctx context.Context) error { return r.store.RemovePeer(ctx, roomID, peer.ID()) })
	if r.observer != nil {
		r.observer.PeerLeft(meta, peer.ID())
	}
	r.logger.Infow("peer left room", "roomID", roomID, "peerID", peer.ID(), "remaining", remaining)

	if closeNow {
		r.closeRoom(room, ReasonPeerCount, "peer_count", func() bool { return len(room.peers) == *closeAt })
	}
	return nil
}

// CloseRoom closes roomID and reports whether this call closed it. Closing an unknown
// or already closed room does nothing.
func (r *RoomRegistry) CloseRoom(roomID, reason string) bool {
	room := r.GetRoom(roomID)
	if room == nil {
		return false
	}
	if reason == "" {
		reason = ReasonTerminated
	}
	return r.closeRoom(room, reason, "terminated", nil)
}

// PublishProducer announces a new producer of peer to the rest of its room.
func (r *RoomRegistry) PublishProducer(peer *Peer, producer media.Producer) {
	r.broadcastFrom(peer, models.NewEvent(models.EventRoomNewProducer, models.RoomProducerEvent{
		RoomID:     peer.RoomID(),
		PeerID:     peer.ID(),
		ProducerID: producer.ID(),
		Kind:       producer.Kind(),
	}))
}

func (r *RoomRegistry) UnpublishProducer(peer *Peer, producer media.Producer) {
	r.broadcastFrom(peer, models.NewEvent(models.EventRoomProducerClosed, models.RoomProducerEvent{
		RoomID:     peer.RoomID(),
		PeerID:     peer.ID(),
		ProducerID: producer.ID(),
		Kind:       producer.Kind(),
	}))
}

func (r *RoomRegistry) PeerTracksChanged(peer *Peer) {
	audio, video := peer.TrackFlags()
	r.broadcastFrom(peer, models.NewEvent(models.EventRoomPeerTracksChanged, models.RoomPeerTracksEvent{
		RoomID:       peer.RoomID(),
		PeerID:       peer.ID(),
		AudioEnabled: audio,
		VideoEnabled: video,
	}))
}

// Shutdown closes every room and waits for pending directory writes.
func (r *RoomRegistry) Shutdown() {
	r.lock.Lock()
	r.shutdown = true
	r.lock.Unlock()

	for _, room := range r.Rooms() {
		r.closeRoom(room, ReasonShutdown, "shutdown", nil)
	}
	if r.storeQueue != nil {
		r.storeQueue.Stop()
		<-r.storeQueue.Done()
	}
}

func (r *RoomRegistry) broadcastFrom(peer *Peer, env *models.Envelope) {
	room := r.GetRoom(peer.RoomID())
	if room == nil {
		return
	}
	room.lock.Lock()
	defer room.lock.Unlock()
	if _, ok := room.peers[peer.ID()]; !ok || room.status == models.RoomStatusClosed {
		return
	}
	room.broadcastLocked(r.eventSink(), peer.ID(), env)
}

func (r *RoomRegistry) closeIdleRoom(room *Room, gen uint64) {
	r.closeRoom(room, ReasonIdle, "idle", func() bool {
		return room.idleGen == gen && len(room.peers) == 0
	})
}

// closeRoom is the single close path. guard runs under the room lock and may veto the
// close. Members are told first, then torn down, and only then is the room dropped from
// the registry.
func (r *RoomRegistry) closeRoom(room *Room, reason, cause string, guard func() bool) bool {
	room.lock.Lock()
	if room.status == models.RoomStatusClosed || (guard != nil && !guard()) {
		room.lock.Unlock()
		return false
	}
	room.advanceLocked(models.RoomStatusClosed)
	room.stopTimersLocked()
	room.broadcastLocked(r.eventSink(), "", models.NewEvent(models.EventRoomClosed, models.RoomClosedEvent{
		RoomID: room.id,
		Reason: reason,
	}))
	members := room.peersLocked()
	room.peers = make(map[string]*Peer)
	room.order = nil
	meta := room.metadataLocked()
	room.lock.Unlock()

	for _, member := range members {
		member.releaseRoomResources(room.id)
	}

	r.lock.Lock()
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.lock.Unlock()

	metrics.RoomsActive.Dec()
	metrics.RoomMembers.Sub(float64(len(members)))
	metrics.RoomsClosed.WithLabelValues(cause).Inc()
	r.mirror(func(ctx context.Context) error { return r.store.DeleteRoom(ctx, room.id) })
	r.sinkLock.RLock()
	hooks := r.onClosed
	r.sinkLock.RUnlock()
	for _, f := range hooks {
		f(room.id, members)
	}
	if r.observer != nil {
		r.observer.RoomClosed(meta, reason)
	}
	r.logger.Infow("room closed", "roomID", room.id, "reason", reason, "members", len(members))
	return true
}

// mirror queues a directory write. Writes run in order on one goroutine so a remove can
// never overtake the add it follows.
func (r *RoomRegistry) mirror(op func(ctx context.Context) error) {
	if r.storeQueue == nil {
		return
	}
	r.storeQueue.Enqueue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			r.logger.Warnw("room directory update failed", "error", err)
		}
	})
}

func (r *RoomRegistry) withDefaults(cfg models.RoomConfig) models.RoomConfig {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = r.defaults.MaxPeers
	}
	if cfg.TimeOutNoParticipantsSecs == 0 {
		cfg.TimeOutNoParticipantsSecs = r.defaults.TimeOutNoParticipantsSecs
	}
	if cfg.MaxDurationSecs == 0 {
		cfg.MaxDurationSecs = r.defaults.MaxDurationSecs
	}
	return cfg
}
