package signaling

import (
	"context"
	"time"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
)

func (d *Dispatcher) handleRegister(conn Connection, req *models.RegisterPeerRequest) (interface{}, error) {
	if existing := d.supervisor.PeerFor(conn); existing != "" {
		return nil, models.NewError(models.CodeAlreadyRegistered, "connection already registered as %s", existing)
	}
	claims, err := d.tokens.VerifyAuthToken(req.AuthToken)
	if err != nil {
		return nil, err
	}
	if !d.policy.Allowed(models.TypeRegisterPeer, claims.Role) {
		return nil, models.NewError(models.CodeUnauthorized, "role %s may not register", claims.Role)
	}

	peer := d.peers.Register(claims, req.DisplayName, req.TrackingID)
	if err := d.supervisor.Bind(conn, peer.ID()); err != nil {
		d.peers.Terminate(peer.ID(), rtc.ReasonDisconnected)
		return nil, err
	}
	return models.RegisterPeerResult{
		PeerID:          peer.ID(),
		Role:            string(peer.Role()),
		RtpCapabilities: d.engine.RouterCapabilities(),
	}, nil
}

func (d *Dispatcher) handleAuthUserNewToken(_ context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.AuthUserNewTokenRequest)

	username := req.Username
	if username == "" {
		username = peer.Username()
	}
	role := auth.RoleUser
	if req.Role != "" {
		parsed, ok := auth.ParseRole(req.Role)
		if !ok {
			return nil, models.NewError(models.CodeParseError, "unknown role %q", req.Role)
		}
		role = parsed
	}
	if peer.Role() != auth.RoleAdmin && (role == auth.RoleAdmin || username != peer.Username()) {
		return nil, models.NewError(models.CodeUnauthorized, "only admins may mint admin tokens or tokens for other users")
	}

	expiresIn := minutes(req.ExpiresInMinutes)
	token, err := d.tokens.IssueAuthToken(auth.AuthClaims{Username: username, Role: role}, expiresIn)
	if err != nil {
		return nil, err
	}
	res := models.AuthTokenResult{AuthToken: token, Username: username, Role: string(role)}
	if expiresIn > 0 {
		res.ExpiresAt = time.Now().Add(expiresIn).Unix()
	}
	return res, nil
}

func (d *Dispatcher) handleRoomNewToken(_ context.Context, _ Connection, _ *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.RoomNewTokenRequest)
	claims, token, err := d.tokens.IssueRoomToken(req.RoomID, req.TrackingID, minutes(req.ExpiresInMinutes))
	if err != nil {
		return nil, err
	}
	return models.CreateRoomTokenResponse{RoomID: claims.RoomID, TrackingID: claims.TrackingID, RoomToken: token}, nil
}

func (d *Dispatcher) handleRoomNew(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.RoomNewRequest)
	room, err := d.rooms.CreateRoom(ctx, rtc.CreateRoomParams{
		RoomID:    req.RoomID,
		RoomToken: req.RoomToken,
		Name:      req.Name,
		Owner:     peer.Username(),
		Config:    req.Config,
	})
	if err != nil {
		return nil, err
	}
	return models.RoomResult{RoomID: room.ID(), Name: room.Name(), Status: room.Status()}, nil
}

func (d *Dispatcher) handleRoomJoin(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.RoomJoinRequest)
	res, err := d.rooms.JoinRoom(ctx, peer, req.RoomID, req.RoomToken)
	if err != nil {
		return nil, err
	}
	return models.RoomJoinResult{RoomID: res.RoomID, RoomStatus: res.RoomStatus, Peers: res.Peers}, nil
}

func (d *Dispatcher) handleRoomLeave(_ context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	roomID := r.(*models.RoomLeaveRequest).RoomID
	if roomID == "" {
		roomID = peer.RoomID()
	}
	if roomID == "" {
		return nil, models.ErrNotInRoom
	}
	if err := d.rooms.LeaveRoom(peer, roomID); err != nil {
		return nil, err
	}
	// negotiated sections referred to resources that are gone now
	d.dropBridge(peer.ID())
	return models.RoomResult{RoomID: roomID}, nil
}

func (d *Dispatcher) handleRoomTerminate(_ context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.RoomTerminateRequest)
	room := d.rooms.GetRoom(req.RoomID)
	if room == nil {
		return nil, models.NewError(models.CodeNotFound, "room %s not found", req.RoomID)
	}
	if peer.Role() != auth.RoleAdmin && room.Owner() != peer.Username() {
		return nil, models.NewError(models.CodeUnauthorized, "only the owner or an admin may terminate room %s", req.RoomID)
	}
	d.rooms.CloseRoom(req.RoomID, req.Reason)
	return models.RoomResult{RoomID: room.ID(), Name: room.Name(), Status: room.Status()}, nil
}

func (d *Dispatcher) handleCreateTransport(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	create := peer.CreateConsumerTransport
	if r.(*models.CreateTransportRequest).Producing {
		create = peer.CreateProducerTransport
	}
	t, err := create(ctx)
	if err != nil {
		return nil, err
	}
	return models.TransportResult{
		TransportID:    t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, nil
}

func (d *Dispatcher) handleConnectTransport(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.ConnectTransportRequest)
	dir := rtc.DirectionRecv
	if req.Producing {
		dir = rtc.DirectionSend
	}
	t, err := peer.ConnectTransport(ctx, dir, req.DtlsParameters)
	if err != nil {
		return nil, err
	}
	return models.ConnectTransportResult{TransportID: t.ID()}, nil
}

func (d *Dispatcher) handleProduce(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.ProduceStreamRequest)
	producer, replaced, err := peer.Produce(ctx, req.Kind, req.RtpParameters)
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		d.rooms.UnpublishProducer(peer, replaced)
	}
	d.rooms.PublishProducer(peer, producer)
	return models.ProducerInfo{ProducerID: producer.ID(), Kind: producer.Kind()}, nil
}

func (d *Dispatcher) handleCloseProducer(_ context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	producer, err := peer.CloseProducer(r.(*models.CloseProducerRequest).ProducerID)
	if err != nil {
		return nil, err
	}
	d.rooms.UnpublishProducer(peer, producer)
	return models.ProducerInfo{ProducerID: producer.ID(), Kind: producer.Kind()}, nil
}

func (d *Dispatcher) handleConsume(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.ConsumeStreamRequest)
	room := d.rooms.GetRoom(peer.RoomID())
	if room == nil {
		return nil, models.ErrNotInRoom
	}
	remote := room.Peer(req.RemotePeerID)
	if remote == nil {
		return nil, models.NewError(models.CodeNotFound, "peer %s is not in room %s", req.RemotePeerID, room.ID())
	}
	consumer, err := peer.Consume(ctx, remote, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	return models.ConsumeResult{
		ConsumerID:    consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		RemotePeerID:  remote.ID(),
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

func (d *Dispatcher) handleToggleTrack(_ context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	req := r.(*models.ToggleTrackRequest)
	changed, err := peer.SetTrackEnabled(req.Kind, req.Enabled)
	if err != nil {
		return nil, err
	}
	if changed {
		d.rooms.PeerTracksChanged(peer)
	}
	return models.ToggleTrackResult{Kind: req.Kind, Enabled: req.Enabled}, nil
}

func (d *Dispatcher) handleSdpOffer(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	b := d.bridgeFor(peer)
	producers, err := b.ProcessOffer(ctx, r.(*models.SdpOfferRequest).Sdp)
	if err != nil {
		return nil, err
	}
	answer, err := b.CreateAnswer()
	if err != nil {
		return nil, err
	}

	res := models.SdpResult{Sdp: answer, Producers: []models.ProducerInfo{}}
	for _, producer := range producers {
		d.rooms.PublishProducer(peer, producer)
		res.Producers = append(res.Producers, models.ProducerInfo{ProducerID: producer.ID(), Kind: producer.Kind()})
	}
	return res, nil
}

func (d *Dispatcher) handleSdpRequestOffer(ctx context.Context, _ Connection, peer *rtc.Peer, _ models.Request) (interface{}, error) {
	b := d.bridgeFor(peer)
	subscribed, err := b.SubscribeAll(ctx)
	if err != nil {
		return nil, err
	}
	offer, err := b.CreateOffer()
	if err != nil {
		return nil, err
	}
	return models.SdpResult{Sdp: offer, Producers: subscribed}, nil
}

func (d *Dispatcher) handleSdpAnswer(ctx context.Context, _ Connection, peer *rtc.Peer, r models.Request) (interface{}, error) {
	if err := d.bridgeFor(peer).ProcessAnswer(ctx, r.(*models.SdpAnswerRequest).Sdp); err != nil {
		return nil, err
	}
	return models.SdpResult{}, nil
}

// handleTerminatePeer only acknowledges; the dispatcher tears the peer down after the
// reply is queued so the client still receives it.
func (d *Dispatcher) handleTerminatePeer(_ context.Context, _ Connection, peer *rtc.Peer, _ models.Request) (interface{}, error) {
	return models.PeerResult{PeerID: peer.ID()}, nil
}

func minutes(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}
