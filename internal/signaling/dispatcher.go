package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/metrics"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
	"github.com/mossy-p/roomserver/internal/sdpbridge"
)

const defaultRequestTimeout = 10 * time.Second

type DispatcherParams struct {
	Tokens         *auth.Service
	Rooms          *rtc.RoomRegistry
	Peers          *rtc.PeerRegistry
	Supervisor     *Supervisor
	Engine         media.Engine
	Policy         Policy
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

type handlerFunc func(ctx context.Context, conn Connection, peer *rtc.Peer, req models.Request) (interface{}, error)

// Dispatcher decodes inbound envelopes, authorizes them and runs the matching operation.
// It must be fed one message at a time per connection; different connections may call
// it concurrently.
type Dispatcher struct {
	tokens     *auth.Service
	rooms      *rtc.RoomRegistry
	peers      *rtc.PeerRegistry
	supervisor *Supervisor
	engine     media.Engine
	policy     Policy
	timeout    time.Duration
	logger     *zap.SugaredLogger
	handlers   map[models.MessageType]handlerFunc

	bridgesLock sync.Mutex
	bridges     map[string]*sdpbridge.Bridge
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	d := &Dispatcher{
		tokens:     params.Tokens,
		rooms:      params.Rooms,
		peers:      params.Peers,
		supervisor: params.Supervisor,
		engine:     params.Engine,
		policy:     params.Policy,
		timeout:    params.RequestTimeout,
		logger:     params.Logger,
		bridges:    make(map[string]*sdpbridge.Bridge),
	}
	if d.policy == nil {
		d.policy = DefaultPolicy()
	}
	if d.timeout <= 0 {
		d.timeout = defaultRequestTimeout
	}
	if d.logger == nil {
		d.logger = zap.NewNop().Sugar()
	}

	d.handlers = map[models.MessageType]handlerFunc{
		models.TypeAuthUserNewToken:         d.handleAuthUserNewToken,
		models.TypeRoomNewToken:             d.handleRoomNewToken,
		models.TypeRoomNew:                  d.handleRoomNew,
		models.TypeRoomJoin:                 d.handleRoomJoin,
		models.TypeRoomLeave:                d.handleRoomLeave,
		models.TypeRoomTerminate:            d.handleRoomTerminate,
		models.TypeCreateProducerTransport:  d.handleCreateTransport,
		models.TypeCreateConsumerTransport:  d.handleCreateTransport,
		models.TypeConnectProducerTransport: d.handleConnectTransport,
		models.TypeConnectConsumerTransport: d.handleConnectTransport,
		models.TypeRoomProduceStream:        d.handleProduce,
		models.TypeRoomCloseProducer:        d.handleCloseProducer,
		models.TypeRoomConsumeStream:        d.handleConsume,
		models.TypeRoomToggleTrack:          d.handleToggleTrack,
		models.TypeSdpOffer:                 d.handleSdpOffer,
		models.TypeSdpRequestOffer:          d.handleSdpRequestOffer,
		models.TypeSdpAnswer:                d.handleSdpAnswer,
		models.TypeTerminatePeer:            d.handleTerminatePeer,
	}

	d.peers.OnTerminated(func(p *rtc.Peer, _ string) { d.dropBridge(p.ID()) })
	d.rooms.OnRoomClosed(func(_ string, members []*rtc.Peer) {
		for _, p := range members {
			d.dropBridge(p.ID())
		}
	})
	return d
}

// HandleMessage processes one raw frame from conn and writes exactly one reply to it.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn Connection, raw []byte) {
	started := time.Now()

	typ, req, err := models.DecodeRequest(raw)
	if err != nil {
		if _, known := d.handlers[typ]; known || typ == models.TypeRegisterPeer {
			d.reply(conn, typ, nil, err, started)
		} else {
			d.logger.Debugw("undecodable message", "connID", conn.ID(), "type", typ, "error", err)
			_ = conn.Send(models.NewErrorEnvelope(err))
			metrics.ObserveMessage("unknown", string(models.CodeOf(err)), started)
		}
		return
	}

	if typ == models.TypeRegisterPeer {
		data, err := d.handleRegister(conn, req.(*models.RegisterPeerRequest))
		d.reply(conn, typ, data, err, started)
		return
	}

	peer := d.peers.Get(d.supervisor.PeerFor(conn))
	if peer == nil {
		d.reply(conn, typ, nil, models.ErrNotRegistered, started)
		return
	}
	if !d.policy.Allowed(typ, peer.Role()) {
		d.reply(conn, typ, nil, models.NewError(models.CodeUnauthorized, "role %s may not send %s", peer.Role(), typ), started)
		return
	}

	handler := d.handlers[typ]
	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	data, err := handler(hctx, conn, peer, req)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = models.NewError(models.CodeResourceUnavailable, "%s timed out", typ)
	}
	d.reply(conn, typ, data, err, started)

	switch {
	case err == nil && typ == models.TypeTerminatePeer:
		d.supervisor.TerminatePeer(peer.ID(), req.(*models.TerminatePeerRequest).Reason, true)
	case models.CodeOf(err) == models.CodeResourceUnavailable && isTransportCreation(typ):
		// the media engine could not serve this peer; do not leave it half set up
		d.logger.Warnw("media failure, terminating peer", "peerID", peer.ID(), "type", typ, "error", err)
		d.supervisor.TerminatePeer(peer.ID(), rtc.ReasonMediaFailure, true)
	}
}

func (d *Dispatcher) reply(conn Connection, typ models.MessageType, data interface{}, err error, started time.Time) {
	code := ""
	if err != nil {
		code = string(models.CodeOf(err))
		d.logger.Debugw("request failed", "connID", conn.ID(), "type", typ, "code", code, "error", err)
	}
	if sendErr := conn.Send(models.NewResult(typ, data, err)); sendErr != nil {
		d.logger.Debugw("could not send reply", "connID", conn.ID(), "type", typ, "error", sendErr)
	}
	metrics.ObserveMessage(string(typ), code, started)
}

func (d *Dispatcher) bridgeFor(peer *rtc.Peer) *sdpbridge.Bridge {
	d.bridgesLock.Lock()
	defer d.bridgesLock.Unlock()
	b, ok := d.bridges[peer.ID()]
	if !ok {
		b = sdpbridge.New(peer, d.rooms, d.engine.RouterCapabilities(), d.logger)
		d.bridges[peer.ID()] = b
	}
	return b
}

func (d *Dispatcher) dropBridge(peerID string) {
	d.bridgesLock.Lock()
	defer d.bridgesLock.Unlock()
	delete(d.bridges, peerID)
}

func isTransportCreation(t models.MessageType) bool {
	return t == models.TypeCreateProducerTransport || t == models.TypeCreateConsumerTransport
}
