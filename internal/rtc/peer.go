package rtc

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/models"
)

// Direction selects one of the two transports a peer owns.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

type PeerParams struct {
	Username    string
	Role        auth.Role
	DisplayName string
	TrackingID  string
	Engine      media.Engine
	Logger      *zap.SugaredLogger
}

// Peer is one registered participant. While its room id is set it owns the room-scoped
// media resources: two transports, at most one producer per kind, and its consumers.
type Peer struct {
	id          string
	username    string
	role        auth.Role
	displayName string
	trackingID  string
	engine      media.Engine
	logger      *zap.SugaredLogger

	lock              sync.RWMutex
	roomID            string
	producerTransport media.Transport
	consumerTransport media.Transport
	producers         map[media.MediaKind]media.Producer
	consumers         map[string]media.Consumer
	audioEnabled      bool
	videoEnabled      bool

	terminated atomic.Bool
}

func NewPeer(params PeerParams) *Peer {
	id := "P-" + uuid.New().String()
	l := params.Logger
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	return &Peer{
		id:           id,
		username:     params.Username,
		role:         params.Role,
		displayName:  params.DisplayName,
		trackingID:   params.TrackingID,
		engine:       params.Engine,
		logger:       l.With("peerID", id),
		producers:    make(map[media.MediaKind]media.Producer),
		consumers:    make(map[string]media.Consumer),
		audioEnabled: true,
		videoEnabled: true,
	}
}

func (p *Peer) ID() string          { return p.id }
func (p *Peer) Username() string    { return p.username }
func (p *Peer) Role() auth.Role     { return p.role }
func (p *Peer) DisplayName() string { return p.displayName }
func (p *Peer) TrackingID() string  { return p.trackingID }
func (p *Peer) Terminated() bool    { return p.terminated.Load() }

func (p *Peer) RoomID() string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.roomID
}

// Info is the view other members get of this peer.
func (p *Peer) Info() models.PeerInfo {
	p.lock.RLock()
	defer p.lock.RUnlock()

	info := models.PeerInfo{
		PeerID:       p.id,
		DisplayName:  p.displayName,
		TrackingID:   p.trackingID,
		AudioEnabled: p.audioEnabled,
		VideoEnabled: p.videoEnabled,
		Producers:    make([]models.ProducerInfo, 0, len(p.producers)),
	}
	for _, producer := range p.producers {
		info.Producers = append(info.Producers, models.ProducerInfo{ProducerID: producer.ID(), Kind: producer.Kind()})
	}
	// audio before video
	sort.Slice(info.Producers, func(i, j int) bool { return info.Producers[i].Kind < info.Producers[j].Kind })
	return info
}

func (p *Peer) Transport(dir Direction) media.Transport {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.transportLocked(dir)
}

// Producer returns the open producer with the given id.
func (p *Peer) Producer(producerID string) media.Producer {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, producer := range p.producers {
		if producer.ID() == producerID && !producer.Closed() {
			return producer
		}
	}
	return nil
}

func (p *Peer) ProducerOfKind(kind media.MediaKind) media.Producer {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.producers[kind]
}

func (p *Peer) Consumers() []media.Consumer {
	p.lock.RLock()
	defer p.lock.RUnlock()
	consumers := make([]media.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	return consumers
}

// ConsumerFor returns this peer's open consumer of producerID, if any.
func (p *Peer) ConsumerFor(producerID string) media.Consumer {
	p.lock.RLock()
	defer p.lock.RUnlock()
	for _, c := range p.consumers {
		if c.ProducerID() == producerID && !c.Closed() {
			return c
		}
	}
	return nil
}

func (p *Peer) CreateProducerTransport(ctx context.Context) (media.Transport, error) {
	return p.createTransport(ctx, DirectionSend)
}

func (p *Peer) CreateConsumerTransport(ctx context.Context) (media.Transport, error) {
	return p.createTransport(ctx, DirectionRecv)
}

func (p *Peer) createTransport(ctx context.Context, dir Direction) (media.Transport, error) {
	if existing := p.Transport(dir); existing != nil && !existing.Closed() {
		return existing, nil
	}
	if p.Terminated() {
		return nil, p.terminatedError()
	}

	t, err := media.Await(ctx, p.engine.CreateWebRtcTransport, func(t media.Transport) { t.Close() })
	if err != nil {
		return nil, engineError(err, "create transport")
	}

	p.lock.Lock()
	if p.terminated.Load() {
		p.lock.Unlock()
		t.Close()
		return nil, p.terminatedError()
	}
	if current := p.transportLocked(dir); current != nil && !current.Closed() {
		// a concurrent request won
		p.lock.Unlock()
		t.Close()
		return current, nil
	}
	if dir == DirectionSend {
		p.producerTransport = t
	} else {
		p.consumerTransport = t
	}
	p.lock.Unlock()

	p.logger.Debugw("transport created", "direction", dir, "transportID", t.ID())
	return t, nil
}

// ConnectTransport completes the DTLS handshake parameters of one transport. A transport
// that already left the new state is left alone.
func (p *Peer) ConnectTransport(ctx context.Context, dir Direction, dtls media.DtlsParameters) (media.Transport, error) {
	t := p.Transport(dir)
	if t == nil || t.Closed() {
		return nil, models.NewError(models.CodeNoTransport, "%s transport not created", dir)
	}
	if t.DtlsState() != media.DtlsStateNew {
		return t, nil
	}

	_, err := media.Await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.Connect(ctx, dtls)
	}, nil)
	switch {
	case err == nil, errors.Is(err, media.ErrAlreadyConnected):
		return t, nil
	case errors.Is(err, media.ErrMissingFingerprint):
		return nil, models.NewError(models.CodeParseError, "dtls parameters carry no fingerprint")
	default:
		return nil, engineError(err, "connect transport")
	}
}

// Produce publishes a track on the producer transport. An existing producer of the same
// kind is closed first and returned as replaced so the room can announce it.
func (p *Peer) Produce(ctx context.Context, kind media.MediaKind, params media.RtpParameters) (producer media.Producer, replaced media.Producer, err error) {
	if !kind.Valid() {
		return nil, nil, models.NewError(models.CodeParseError, "invalid media kind %q", kind)
	}

	p.lock.RLock()
	t := p.producerTransport
	roomID := p.roomID
	p.lock.RUnlock()

	if t == nil || t.Closed() {
		return nil, nil, models.NewError(models.CodeNoTransport, "producer transport not created")
	}
	if roomID == "" {
		return nil, nil, models.ErrNotInRoom
	}

	producer, err = media.Await(ctx, func(ctx context.Context) (media.Producer, error) {
		return t.Produce(ctx, kind, params)
	}, func(pr media.Producer) { pr.Close() })
	if err != nil {
		if errors.Is(err, media.ErrUnsupportedCodec) {
			return nil, nil, models.NewError(models.CodeParseError, "%v", err)
		}
		return nil, nil, engineError(err, "produce")
	}

	p.lock.Lock()
	if p.terminated.Load() || p.roomID != roomID {
		p.lock.Unlock()
		producer.Close()
		return nil, nil, models.ErrNotInRoom
	}
	replaced = p.producers[kind]
	delete(p.producers, kind)
	p.lock.Unlock()

	if replaced != nil {
		replaced.Close()
	}

	p.lock.Lock()
	p.producers[kind] = producer
	p.lock.Unlock()

	producer.OnClose(func() { p.forgetProducer(producer) })
	p.logger.Infow("producer created", "producerID", producer.ID(), "kind", kind)
	return producer, replaced, nil
}

// CloseProducer closes one of this peer's producers; every consumer of it closes too.
func (p *Peer) CloseProducer(producerID string) (media.Producer, error) {
	p.lock.Lock()
	var found media.Producer
	for kind, producer := range p.producers {
		if producer.ID() == producerID {
			found = producer
			delete(p.producers, kind)
			break
		}
	}
	p.lock.Unlock()

	if found == nil {
		return nil, models.NewError(models.CodeNotFound, "producer %s not found", producerID)
	}
	found.Close()
	return found, nil
}

// Consume subscribes this peer to a producer owned by remote.
func (p *Peer) Consume(ctx context.Context, remote *Peer, producerID string, caps media.RtpCapabilities) (media.Consumer, error) {
	if remote == nil {
		return nil, models.NewError(models.CodeNotFound, "remote peer not found")
	}
	if remote.ID() == p.id || p.Producer(producerID) != nil {
		return nil, models.ErrSelfConsume
	}
	if remote.Producer(producerID) == nil {
		return nil, models.NewError(models.CodeNotFound, "producer %s not found", producerID)
	}

	p.lock.RLock()
	t := p.consumerTransport
	p.lock.RUnlock()
	if t == nil || t.Closed() {
		return nil, models.NewError(models.CodeNoTransport, "consumer transport not created")
	}

	consumer, err := media.Await(ctx, func(ctx context.Context) (media.Consumer, error) {
		return t.Consume(ctx, producerID, caps)
	}, func(c media.Consumer) { c.Close() })
	switch {
	case errors.Is(err, media.ErrProducerNotFound):
		return nil, models.NewError(models.CodeNotFound, "producer %s not found", producerID)
	case errors.Is(err, media.ErrCannotConsume):
		return nil, models.NewError(models.CodeParseError, "%v", err)
	case err != nil:
		return nil, engineError(err, "consume")
	}

	p.lock.Lock()
	if p.terminated.Load() {
		p.lock.Unlock()
		consumer.Close()
		return nil, p.terminatedError()
	}
	p.consumers[consumer.ID()] = consumer
	p.lock.Unlock()

	consumer.OnClose(func() { p.forgetConsumer(consumer.ID()) })
	p.logger.Debugw("consumer created", "consumerID", consumer.ID(), "producerID", producerID, "remotePeerID", remote.ID())
	return consumer, nil
}

// SetTrackEnabled flips the advertised mute flag of one kind and reports whether it changed.
func (p *Peer) SetTrackEnabled(kind media.MediaKind, enabled bool) (bool, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.roomID == "" {
		return false, models.ErrNotInRoom
	}
	var flag *bool
	switch kind {
	case media.MediaKindAudio:
		flag = &p.audioEnabled
	case media.MediaKindVideo:
		flag = &p.videoEnabled
	default:
		return false, models.NewError(models.CodeParseError, "invalid media kind %q", kind)
	}
	changed := *flag != enabled
	*flag = enabled
	return changed, nil
}

func (p *Peer) TrackFlags() (audio, video bool) {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.audioEnabled, p.videoEnabled
}

// attachToRoom is called by the room with its lock held.
func (p *Peer) attachToRoom(roomID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.terminated.Load() {
		return p.terminatedError()
	}
	if p.roomID != "" && p.roomID != roomID {
		return models.NewError(models.CodeAlreadyExists, "peer is already in room %s", p.roomID)
	}
	p.roomID = roomID
	p.audioEnabled, p.videoEnabled = true, true
	return nil
}

// releaseRoomResources is the one teardown path for everything a peer owns inside a
// room: producers, then consumers, then both transports. It runs without any lock held
// and does nothing unless the peer is still bound to roomID.
func (p *Peer) releaseRoomResources(roomID string) bool {
	p.lock.Lock()
	if roomID != "" && p.roomID != roomID {
		p.lock.Unlock()
		return false
	}
	p.roomID = ""
	producers := make([]media.Producer, 0, len(p.producers))
	for _, producer := range p.producers {
		producers = append(producers, producer)
	}
	consumers := make([]media.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	transports := []media.Transport{p.producerTransport, p.consumerTransport}
	p.producers = make(map[media.MediaKind]media.Producer)
	p.consumers = make(map[string]media.Consumer)
	p.producerTransport, p.consumerTransport = nil, nil
	p.lock.Unlock()

	for _, producer := range producers {
		producer.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, t := range transports {
		if t != nil {
			t.Close()
		}
	}
	if len(producers)+len(consumers) > 0 || transports[0] != nil || transports[1] != nil {
		p.logger.Debugw("released room resources", "roomID", roomID, "producers", len(producers), "consumers", len(consumers))
	}
	return true
}

func (p *Peer) markTerminated() bool {
	return p.terminated.CompareAndSwap(false, true)
}

func (p *Peer) forgetProducer(producer media.Producer) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if current := p.producers[producer.Kind()]; current != nil && current.ID() == producer.ID() {
		delete(p.producers, producer.Kind())
	}
}

func (p *Peer) forgetConsumer(consumerID string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.consumers, consumerID)
}

func (p *Peer) transportLocked(dir Direction) media.Transport {
	if dir == DirectionSend {
		return p.producerTransport
	}
	return p.consumerTransport
}

func (p *Peer) terminatedError() error {
	return models.NewError(models.CodeNotRegistered, "peer %s has been terminated", p.id)
}

// engineError reports any media engine failure, timeouts included, as ResourceUnavailable.
func engineError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewError(models.CodeResourceUnavailable, "%s timed out", op)
	}
	return models.NewError(models.CodeResourceUnavailable, "%s failed: %v", op, err)
}
