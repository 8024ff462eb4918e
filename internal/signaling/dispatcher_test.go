package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/logger"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
)

type fakeConn struct {
	id string

	lock   sync.Mutex
	out    []*models.Envelope
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.New().String()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env *models.Envelope) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return models.NewError(models.CodeClosed, "connection closed")
	}
	c.out = append(c.out, env)
	return nil
}

func (c *fakeConn) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

// last returns the most recent envelope of type t.
func (c *fakeConn) last(t models.MessageType) *models.Envelope {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i := len(c.out) - 1; i >= 0; i-- {
		if c.out[i].Type == t {
			return c.out[i]
		}
	}
	return nil
}

func (c *fakeConn) count(t models.MessageType) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, env := range c.out {
		if env.Type == t {
			n++
		}
	}
	return n
}

type server struct {
	tokens     *auth.Service
	engine     media.Engine
	rooms      *rtc.RoomRegistry
	peers      *rtc.PeerRegistry
	supervisor *Supervisor
	dispatcher *Dispatcher
}

func newServer(t *testing.T, engine media.Engine, timeout time.Duration) *server {
	if engine == nil {
		local, err := media.NewLocalEngine(media.LocalEngineParams{})
		require.NoError(t, err)
		engine = local
	}
	s := &server{tokens: auth.NewService("secret"), engine: engine}
	s.rooms = rtc.NewRoomRegistry(rtc.RoomRegistryParams{Tokens: s.tokens, Logger: logger.Nop()})
	s.peers = rtc.NewPeerRegistry(engine, s.rooms, logger.Nop())
	s.supervisor = NewSupervisor(s.peers, logger.Nop())
	s.rooms.SetEventSink(s.supervisor)
	s.dispatcher = NewDispatcher(DispatcherParams{
		Tokens:         s.tokens,
		Rooms:          s.rooms,
		Peers:          s.peers,
		Supervisor:     s.supervisor,
		Engine:         engine,
		RequestTimeout: timeout,
		Logger:         logger.Nop(),
	})
	t.Cleanup(func() {
		s.supervisor.Shutdown()
		s.peers.Shutdown()
		s.rooms.Shutdown()
		engine.Close()
	})
	return s
}

func (s *server) connect() *fakeConn {
	c := newFakeConn()
	s.supervisor.Attach(c)
	return c
}

func (s *server) authToken(t *testing.T, name string, role auth.Role) string {
	token, err := s.tokens.IssueAuthToken(auth.AuthClaims{Username: name, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

// request sends one message and returns its reply, decoding data into out when set.
func (s *server) request(t *testing.T, c *fakeConn, typ models.MessageType, data interface{}, out interface{}) *models.Envelope {
	raw, err := json.Marshal(map[string]interface{}{"type": typ, "data": data})
	require.NoError(t, err)
	s.dispatcher.HandleMessage(context.Background(), c, raw)

	env := c.last(typ.ResultType())
	require.NotNil(t, env, "no reply to %s", typ)
	if out != nil && env.Error == "" {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

func (s *server) register(t *testing.T, name string, role auth.Role) (*fakeConn, string) {
	c := s.connect()
	var res models.RegisterPeerResult
	env := s.request(t, c, models.TypeRegisterPeer, models.RegisterPeerRequest{AuthToken: s.authToken(t, name, role), DisplayName: name}, &res)
	require.Empty(t, env.Error)
	return c, res.PeerID
}

func (s *server) createRoom(t *testing.T, c *fakeConn, roomID string) string {
	var tok models.CreateRoomTokenResponse
	env := s.request(t, c, models.TypeRoomNewToken, models.RoomNewTokenRequest{RoomID: roomID}, &tok)
	require.Empty(t, env.Error)

	env = s.request(t, c, models.TypeRoomNew, models.RoomNewRequest{RoomID: tok.RoomID, RoomToken: tok.RoomToken}, nil)
	require.Empty(t, env.Error)
	return tok.RoomToken
}

func dtlsParams() media.DtlsParameters {
	return media.DtlsParameters{
		Role:         media.DtlsRoleClient,
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
}

func TestEndToEnd(t *testing.T) {
	s := newServer(t, nil, time.Second)

	// A registers and gets an id plus router capabilities
	a := s.connect()
	var reg models.RegisterPeerResult
	env := s.request(t, a, models.TypeRegisterPeer, models.RegisterPeerRequest{AuthToken: s.authToken(t, "alice", auth.RoleUser)}, &reg)
	require.Empty(t, env.Error)
	require.NotEmpty(t, reg.PeerID)
	require.NotEmpty(t, reg.RtpCapabilities.Codecs)
	require.Equal(t, "user", reg.Role)

	// both transports
	var send, recv models.TransportResult
	require.Empty(t, s.request(t, a, models.TypeCreateProducerTransport, nil, &send).Error)
	require.Empty(t, s.request(t, a, models.TypeCreateConsumerTransport, nil, &recv).Error)
	require.NotEqual(t, send.TransportID, recv.TransportID)

	var again models.TransportResult
	s.request(t, a, models.TypeCreateProducerTransport, nil, &again)
	require.Equal(t, send.TransportID, again.TransportID)

	// A creates and joins R
	roomToken := s.createRoom(t, a, "R")
	var joinA models.RoomJoinResult
	env = s.request(t, a, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, &joinA)
	require.Empty(t, env.Error)
	require.Empty(t, joinA.Peers)
	require.Equal(t, models.RoomStatusReady, joinA.RoomStatus)

	// B registers and joins; A hears about it
	b, bID := s.register(t, "bob", auth.RoleUser)
	var joinB models.RoomJoinResult
	require.Empty(t, s.request(t, b, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, &joinB).Error)
	require.Len(t, joinB.Peers, 1)
	require.Equal(t, reg.PeerID, joinB.Peers[0].PeerID)

	newPeer := a.last(models.EventRoomNewPeer)
	require.NotNil(t, newPeer)
	var np models.RoomNewPeerEvent
	require.NoError(t, json.Unmarshal(newPeer.Data, &np))
	require.Equal(t, bID, np.PeerID)

	// B produces audio
	require.Empty(t, s.request(t, b, models.TypeCreateProducerTransport, nil, nil).Error)
	require.Empty(t, s.request(t, b, models.TypeConnectProducerTransport, models.ConnectTransportRequest{DtlsParameters: dtlsParams()}, nil).Error)
	var produced models.ProducerInfo
	env = s.request(t, b, models.TypeRoomProduceStream, models.ProduceStreamRequest{
		Kind: media.MediaKindAudio,
		RtpParameters: media.RtpParameters{
			Codecs:    []media.RtpCodecParameters{{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}},
			Encodings: []media.RtpEncodingParameters{{Ssrc: 5555}},
		},
	}, &produced)
	require.Empty(t, env.Error)

	newProducer := a.last(models.EventRoomNewProducer)
	require.NotNil(t, newProducer)
	var npe models.RoomProducerEvent
	require.NoError(t, json.Unmarshal(newProducer.Data, &npe))
	require.Equal(t, produced.ProducerID, npe.ProducerID)
	require.Equal(t, bID, npe.PeerID)

	// A consumes it
	var consumed models.ConsumeResult
	env = s.request(t, a, models.TypeRoomConsumeStream, models.ConsumeStreamRequest{
		RemotePeerID:    bID,
		ProducerID:      produced.ProducerID,
		RtpCapabilities: reg.RtpCapabilities,
	}, &consumed)
	require.Empty(t, env.Error)
	require.Equal(t, media.MediaKindAudio, consumed.Kind)
	require.Equal(t, produced.ProducerID, consumed.ProducerID)

	t.Run("B cannot consume its own producer", func(t *testing.T) {
		require.Empty(t, s.request(t, b, models.TypeCreateConsumerTransport, nil, nil).Error)
		env := s.request(t, b, models.TypeRoomConsumeStream, models.ConsumeStreamRequest{
			RemotePeerID:    bID,
			ProducerID:      produced.ProducerID,
			RtpCapabilities: reg.RtpCapabilities,
		}, nil)
		require.Equal(t, models.CodeSelfConsume, env.ErrorCode)
	})

	t.Run("B disconnecting is announced to A", func(t *testing.T) {
		s.supervisor.Detach(b)
		require.NotNil(t, a.last(models.EventRoomPeerLeft))
		require.Nil(t, s.peers.Get(bID))
		require.Equal(t, 1, s.rooms.GetRoom("R").PeerCount())
	})
}

func TestGuestCannotJoin(t *testing.T) {
	s := newServer(t, nil, time.Second)
	admin, _ := s.register(t, "root", auth.RoleAdmin)
	roomToken := s.createRoom(t, admin, "R")

	guest, _ := s.register(t, "visitor", auth.RoleGuest)
	env := s.request(t, guest, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil)
	require.Equal(t, models.CodeUnauthorized, env.ErrorCode)
	require.Equal(t, 0, s.rooms.GetRoom("R").PeerCount())

	env = s.request(t, guest, models.TypeRoomNewToken, models.RoomNewTokenRequest{}, nil)
	require.Equal(t, models.CodeUnauthorized, env.ErrorCode)
}

func TestRegistration(t *testing.T) {
	s := newServer(t, nil, time.Second)

	t.Run("requests before registering", func(t *testing.T) {
		c := s.connect()
		env := s.request(t, c, models.TypeCreateProducerTransport, nil, nil)
		require.Equal(t, models.CodeNotRegistered, env.ErrorCode)
	})

	t.Run("bad token", func(t *testing.T) {
		c := s.connect()
		env := s.request(t, c, models.TypeRegisterPeer, models.RegisterPeerRequest{AuthToken: "nope"}, nil)
		require.Equal(t, models.CodeInvalidToken, env.ErrorCode)
		require.Empty(t, s.supervisor.PeerFor(c))
	})

	t.Run("one peer per connection", func(t *testing.T) {
		c, peerID := s.register(t, "alice", auth.RoleUser)
		env := s.request(t, c, models.TypeRegisterPeer, models.RegisterPeerRequest{AuthToken: s.authToken(t, "alice", auth.RoleUser)}, nil)
		require.Equal(t, models.CodeAlreadyRegistered, env.ErrorCode)
		require.Equal(t, peerID, s.supervisor.PeerFor(c))
		require.Equal(t, 1, s.peers.Count())
	})
}

func TestMalformedInput(t *testing.T) {
	s := newServer(t, nil, time.Second)
	c, _ := s.register(t, "alice", auth.RoleUser)

	s.dispatcher.HandleMessage(context.Background(), c, []byte(`{"type":`))
	env := c.last(models.TypeError)
	require.NotNil(t, env)
	require.Equal(t, models.CodeParseError, env.ErrorCode)

	s.dispatcher.HandleMessage(context.Background(), c, []byte(`{"type":"roomDance"}`))
	require.Equal(t, 2, c.count(models.TypeError))

	s.dispatcher.HandleMessage(context.Background(), c, []byte(`{"type":"roomJoin","data":{"roomId":42}}`))
	env = c.last(models.TypeRoomJoin.ResultType())
	require.NotNil(t, env)
	require.Equal(t, models.CodeParseError, env.ErrorCode)
	require.False(t, c.isClosed())
}

func TestRoomTerminate(t *testing.T) {
	s := newServer(t, nil, time.Second)
	owner, _ := s.register(t, "owner", auth.RoleUser)
	roomToken := s.createRoom(t, owner, "R")
	require.Empty(t, s.request(t, owner, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil).Error)

	other, _ := s.register(t, "mallory", auth.RoleUser)
	env := s.request(t, other, models.TypeRoomTerminate, models.RoomTerminateRequest{RoomID: "R"}, nil)
	require.Equal(t, models.CodeUnauthorized, env.ErrorCode)

	env = s.request(t, owner, models.TypeRoomTerminate, models.RoomTerminateRequest{RoomID: "R", Reason: "done"}, nil)
	require.Empty(t, env.Error)
	require.NotNil(t, owner.last(models.EventRoomClosed))
	require.Nil(t, s.rooms.GetRoom("R"))

	env = s.request(t, owner, models.TypeRoomTerminate, models.RoomTerminateRequest{RoomID: "R"}, nil)
	require.Equal(t, models.CodeNotFound, env.ErrorCode)
}

func (s *server) hasBridge(peerID string) bool {
	s.dispatcher.bridgesLock.Lock()
	defer s.dispatcher.bridgesLock.Unlock()
	_, ok := s.dispatcher.bridges[peerID]
	return ok
}

func TestRoomCloseDropsBridges(t *testing.T) {
	s := newServer(t, nil, time.Second)
	owner, ownerID := s.register(t, "owner", auth.RoleUser)
	roomToken := s.createRoom(t, owner, "R")
	require.Empty(t, s.request(t, owner, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil).Error)
	guest, guestID := s.register(t, "bob", auth.RoleUser)
	require.Empty(t, s.request(t, guest, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil).Error)

	s.dispatcher.bridgeFor(s.peers.Get(ownerID))
	s.dispatcher.bridgeFor(s.peers.Get(guestID))
	require.True(t, s.hasBridge(ownerID))
	require.True(t, s.hasBridge(guestID))

	require.Empty(t, s.request(t, owner, models.TypeRoomTerminate, models.RoomTerminateRequest{RoomID: "R"}, nil).Error)
	require.False(t, s.hasBridge(ownerID))
	require.False(t, s.hasBridge(guestID))
	require.NotNil(t, s.peers.Get(guestID))
}

func TestAuthUserNewToken(t *testing.T) {
	s := newServer(t, nil, time.Second)
	user, _ := s.register(t, "alice", auth.RoleUser)

	var res models.AuthTokenResult
	env := s.request(t, user, models.TypeAuthUserNewToken, models.AuthUserNewTokenRequest{Role: "guest", ExpiresInMinutes: 5}, &res)
	require.Empty(t, env.Error)
	claims, err := s.tokens.VerifyAuthToken(res.AuthToken)
	require.NoError(t, err)
	require.Equal(t, auth.RoleGuest, claims.Role)
	require.Equal(t, "alice", claims.Username)
	require.NotZero(t, res.ExpiresAt)

	env = s.request(t, user, models.TypeAuthUserNewToken, models.AuthUserNewTokenRequest{Role: "admin"}, nil)
	require.Equal(t, models.CodeUnauthorized, env.ErrorCode)

	admin, _ := s.register(t, "root", auth.RoleAdmin)
	env = s.request(t, admin, models.TypeAuthUserNewToken, models.AuthUserNewTokenRequest{Username: "bob", Role: "admin"}, &res)
	require.Empty(t, env.Error)
	require.Equal(t, "bob", res.Username)
}

func TestTerminatePeerMessage(t *testing.T) {
	s := newServer(t, nil, time.Second)
	c, peerID := s.register(t, "alice", auth.RoleUser)

	env := s.request(t, c, models.TypeTerminatePeer, models.TerminatePeerRequest{Reason: "bye"}, nil)
	require.Empty(t, env.Error)
	require.NotNil(t, c.last(models.EventPeerTerminated))
	require.True(t, c.isClosed())
	require.Nil(t, s.peers.Get(peerID))
	require.Empty(t, s.supervisor.PeerFor(c))
}

// stallingEngine never finishes creating a transport.
type stallingEngine struct {
	media.Engine
}

func (e stallingEngine) CreateWebRtcTransport(ctx context.Context) (media.Transport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTransportFailureTerminatesPeer(t *testing.T) {
	local, err := media.NewLocalEngine(media.LocalEngineParams{})
	require.NoError(t, err)
	s := newServer(t, stallingEngine{Engine: local}, 50*time.Millisecond)

	c, peerID := s.register(t, "alice", auth.RoleUser)
	env := s.request(t, c, models.TypeCreateProducerTransport, nil, nil)
	require.Equal(t, models.CodeResourceUnavailable, env.ErrorCode)
	require.True(t, c.isClosed())
	require.Nil(t, s.peers.Get(peerID))
}

func TestSdpOverSignaling(t *testing.T) {
	s := newServer(t, nil, time.Second)
	a, _ := s.register(t, "alice", auth.RoleUser)
	roomToken := s.createRoom(t, a, "R")
	require.Empty(t, s.request(t, a, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil).Error)

	b, _ := s.register(t, "bob", auth.RoleUser)
	require.Empty(t, s.request(t, b, models.TypeRoomJoin, models.RoomJoinRequest{RoomID: "R", RoomToken: roomToken}, nil).Error)

	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"a=fingerprint:sha-256 AA:BB\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=setup:actpass\r\n" +
		"a=sendonly\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n" +
		"a=ssrc:77 cname:bob\r\n"

	var answer models.SdpResult
	env := s.request(t, b, models.TypeSdpOffer, models.SdpOfferRequest{Sdp: offer}, &answer)
	require.Empty(t, env.Error)
	require.Len(t, answer.Producers, 1)
	require.Contains(t, answer.Sdp, "a=recvonly")
	require.NotNil(t, a.last(models.EventRoomNewProducer))

	var subscribed models.SdpResult
	env = s.request(t, a, models.TypeSdpRequestOffer, nil, &subscribed)
	require.Empty(t, env.Error)
	require.Len(t, subscribed.Producers, 1)
	require.Contains(t, subscribed.Sdp, "a=sendonly")

	env = s.request(t, a, models.TypeSdpOffer, models.SdpOfferRequest{Sdp: "garbage"}, nil)
	require.Equal(t, models.CodeParseError, env.ErrorCode)
}
