package sdpbridge

import (
	"context"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/logger"
	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var sessionHeader = []string{
	"v=0",
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"a=group:BUNDLE 0 1",
	"a=fingerprint:sha-256 AA:BB:CC:DD",
}

func audioSection(mid, dir string) []string {
	return []string{
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:" + mid,
		"a=setup:actpass",
		"a=" + dir,
		"a=rtcp-mux",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1",
		"a=ssrc:1001 cname:alice",
	}
}

func videoSection(mid, dir string) []string {
	return []string{
		"m=video 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=mid:" + mid,
		"a=setup:actpass",
		"a=" + dir,
		"a=rtcp-mux",
		"a=rtpmap:96 VP8/90000",
		"a=ssrc:2002 cname:alice",
	}
}

func offer(sections ...[]string) string {
	lines := append([]string{}, sessionHeader...)
	for _, s := range sections {
		lines = append(lines, s...)
	}
	return crlf(lines...)
}

type fixture struct {
	engine *media.LocalEngine
	rooms  *rtc.RoomRegistry
	peers  *rtc.PeerRegistry
	tokens *auth.Service
}

func newFixture(t *testing.T) *fixture {
	engine, err := media.NewLocalEngine(media.LocalEngineParams{})
	require.NoError(t, err)
	tokens := auth.NewService("secret")
	rooms := rtc.NewRoomRegistry(rtc.RoomRegistryParams{Tokens: tokens, Logger: logger.Nop()})
	peers := rtc.NewPeerRegistry(engine, rooms, logger.Nop())
	t.Cleanup(func() {
		peers.Shutdown()
		rooms.Shutdown()
		engine.Close()
	})

	_, token, err := tokens.IssueRoomToken("r1", "", 0)
	require.NoError(t, err)
	_, err = rooms.CreateRoom(context.Background(), rtc.CreateRoomParams{RoomID: "r1", RoomToken: token})
	require.NoError(t, err)

	return &fixture{engine: engine, rooms: rooms, peers: peers, tokens: tokens}
}

func (f *fixture) joinedPeer(t *testing.T, name string) *rtc.Peer {
	p := f.peers.Register(&auth.AuthClaims{Username: name, Role: auth.RoleUser}, name, "")
	_, token, err := f.tokens.IssueRoomToken("r1", "", 0)
	require.NoError(t, err)
	_, err = f.rooms.JoinRoom(context.Background(), p, "r1", token)
	require.NoError(t, err)
	return p
}

func (f *fixture) bridge(p *rtc.Peer) *Bridge {
	return New(p, f.rooms, f.engine.RouterCapabilities(), logger.Nop())
}

func parsed(t *testing.T, text string) *sdp.SessionDescription {
	sd := &sdp.SessionDescription{}
	require.NoError(t, sd.Unmarshal([]byte(text)))
	return sd
}

func attr(md *sdp.MediaDescription, key string) string {
	v, _ := md.Attribute(key)
	return v
}

func TestProcessOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.joinedPeer(t, "alice")
	b := f.bridge(alice)

	producers, err := b.ProcessOffer(ctx, offer(audioSection("0", "sendonly"), videoSection("1", "sendrecv")))
	require.NoError(t, err)
	require.Len(t, producers, 2)
	require.Equal(t, media.MediaKindAudio, producers[0].Kind())
	require.Equal(t, uint32(1001), producers[0].RtpParameters().Encodings[0].Ssrc)
	require.Equal(t, "alice", producers[0].RtpParameters().Rtcp.Cname)
	require.Equal(t, media.DtlsStateConnected, alice.Transport(rtc.DirectionSend).DtlsState())

	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	sd := parsed(t, answer)
	require.Len(t, sd.MediaDescriptions, 2)
	for i, md := range sd.MediaDescriptions {
		require.Equal(t, []string{"0", "1"}[i], attr(md, sdp.AttrKeyMID))
		require.Equal(t, setupPassive, attr(md, sdp.AttrKeyConnectionSetup))
		require.True(t, hasAttribute(md, sdp.AttrKeyRecvOnly))
		require.NotEmpty(t, attr(md, "ice-ufrag"))
		require.NotEmpty(t, attr(md, attrFingerprint))
	}
	require.Equal(t, []string{"111"}, sd.MediaDescriptions[0].MediaName.Formats)
	group, _ := sd.Attribute(sdp.AttrKeyGroup)
	require.Equal(t, "BUNDLE 0 1", group)

	t.Run("renegotiation does not produce twice", func(t *testing.T) {
		again, err := b.ProcessOffer(ctx, offer(audioSection("0", "sendonly"), videoSection("1", "sendrecv")))
		require.NoError(t, err)
		require.Empty(t, again)
		require.Len(t, alice.Info().Producers, 2)
	})
}

func TestProcessOffer_DuplicateKind(t *testing.T) {
	f := newFixture(t)
	alice := f.joinedPeer(t, "alice")
	b := f.bridge(alice)

	producers, err := b.ProcessOffer(context.Background(), offer(audioSection("0", "sendonly"), audioSection("1", "sendonly")))
	require.NoError(t, err)
	require.Len(t, producers, 1)

	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	sd := parsed(t, answer)
	require.Len(t, sd.MediaDescriptions, 2)
	require.Equal(t, 9, sd.MediaDescriptions[0].MediaName.Port.Value)
	require.Equal(t, 0, sd.MediaDescriptions[1].MediaName.Port.Value)
}

func withoutMids(sections ...[]string) string {
	var lines []string
	for _, line := range sessionHeader {
		if !strings.HasPrefix(line, "a=group:") {
			lines = append(lines, line)
		}
	}
	for _, s := range sections {
		for _, line := range s {
			if !strings.HasPrefix(line, "a=mid:") {
				lines = append(lines, line)
			}
		}
	}
	return crlf(lines...)
}

func TestProcessOffer_WithoutMids(t *testing.T) {
	f := newFixture(t)
	alice := f.joinedPeer(t, "alice")
	b := f.bridge(alice)

	text := withoutMids(audioSection("0", "sendonly"), videoSection("1", "sendonly"))
	producers, err := b.ProcessOffer(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, producers, 2)

	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	sd := parsed(t, answer)
	require.Len(t, sd.MediaDescriptions, 2)

	audio, video := sd.MediaDescriptions[0], sd.MediaDescriptions[1]
	require.Equal(t, "audio", audio.MediaName.Media)
	require.NotZero(t, audio.MediaName.Port.Value)
	require.Equal(t, []string{"111"}, audio.MediaName.Formats)
	require.Equal(t, "video", video.MediaName.Media)
	require.NotZero(t, video.MediaName.Port.Value)
	require.Equal(t, []string{"96"}, video.MediaName.Formats)
	require.False(t, hasAttribute(audio, sdp.AttrKeyMID))
	_, bundled := sd.Attribute(sdp.AttrKeyGroup)
	require.False(t, bundled)

	again, err := b.ProcessOffer(context.Background(), text)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestProcessOffer_Edges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("no media", func(t *testing.T) {
		b := f.bridge(f.joinedPeer(t, "alice"))
		producers, err := b.ProcessOffer(ctx, crlf("v=0", "o=- 1 1 IN IP4 127.0.0.1", "s=-", "t=0 0"))
		require.NoError(t, err)
		require.Empty(t, producers)
		_, err = b.CreateAnswer()
		require.NoError(t, err)
	})

	t.Run("receive only sections are not produced", func(t *testing.T) {
		b := f.bridge(f.joinedPeer(t, "bob"))
		producers, err := b.ProcessOffer(ctx, offer(audioSection("0", "recvonly")))
		require.NoError(t, err)
		require.Empty(t, producers)
	})

	t.Run("garbage", func(t *testing.T) {
		b := f.bridge(f.joinedPeer(t, "carol"))
		_, err := b.ProcessOffer(ctx, "hello")
		require.ErrorIs(t, err, models.ErrParse)
		_, err = b.ProcessOffer(ctx, "")
		require.ErrorIs(t, err, models.ErrParse)
	})

	t.Run("missing fingerprint", func(t *testing.T) {
		b := f.bridge(f.joinedPeer(t, "dave"))
		text := crlf(append([]string{"v=0", "o=- 1 1 IN IP4 127.0.0.1", "s=-", "t=0 0"}, audioSection("0", "sendonly")...)...)
		_, err := b.ProcessOffer(ctx, text)
		require.ErrorIs(t, err, models.ErrParse)
	})

	t.Run("not in a room", func(t *testing.T) {
		p := f.peers.Register(&auth.AuthClaims{Username: "erin", Role: auth.RoleUser}, "", "")
		_, err := f.bridge(p).ProcessOffer(ctx, offer(audioSection("0", "sendonly")))
		require.ErrorIs(t, err, models.ErrNotInRoom)
	})

	t.Run("answer before offer", func(t *testing.T) {
		_, err := f.bridge(f.joinedPeer(t, "frank")).CreateAnswer()
		require.ErrorIs(t, err, models.ErrParse)
	})
}

func TestSubscribeAndOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.joinedPeer(t, "alice")
	bob := f.joinedPeer(t, "bob")

	published, err := f.bridge(alice).ProcessOffer(ctx, offer(audioSection("0", "sendonly"), videoSection("1", "sendonly")))
	require.NoError(t, err)
	require.Len(t, published, 2)

	b := f.bridge(bob)
	_, err = b.CreateOffer()
	require.ErrorIs(t, err, models.ErrNoTransport)

	subscribed, err := b.SubscribeAll(ctx)
	require.NoError(t, err)
	require.Len(t, subscribed, 2)

	again, err := b.SubscribeAll(ctx)
	require.NoError(t, err)
	require.Empty(t, again)

	text, err := b.CreateOffer()
	require.NoError(t, err)
	sd := parsed(t, text)
	require.Len(t, sd.MediaDescriptions, 2)
	for i, md := range sd.MediaDescriptions {
		require.Equal(t, []string{"0", "1"}[i], attr(md, sdp.AttrKeyMID))
		require.Equal(t, setupActPass, attr(md, sdp.AttrKeyConnectionSetup))
		require.True(t, hasAttribute(md, sdp.AttrKeySendOnly))
		require.NotEmpty(t, attr(md, sdp.AttrKeySSRC))
	}

	answer := crlf(
		"v=0",
		"o=- 99 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 100",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=setup:active",
		"a=fingerprint:sha-256 11:22:33",
		"a=recvonly",
		"a=rtpmap:100 opus/48000/2",
	)
	require.NoError(t, b.ProcessAnswer(ctx, answer))
	require.Equal(t, media.DtlsStateConnected, bob.Transport(rtc.DirectionRecv).DtlsState())
	// already connected, so a second answer is accepted without reconnecting
	require.NoError(t, b.ProcessAnswer(ctx, answer))

	t.Run("closed consumers keep their slot", func(t *testing.T) {
		_, err := alice.CloseProducer(published[0].ID())
		require.NoError(t, err)

		text, err := b.CreateOffer()
		require.NoError(t, err)
		sd := parsed(t, text)
		require.Len(t, sd.MediaDescriptions, 2)
		require.Equal(t, 0, sd.MediaDescriptions[0].MediaName.Port.Value)
		require.Equal(t, "0", attr(sd.MediaDescriptions[0], sdp.AttrKeyMID))
		require.Equal(t, 9, sd.MediaDescriptions[1].MediaName.Port.Value)
		group, _ := sd.Attribute(sdp.AttrKeyGroup)
		require.Equal(t, "BUNDLE 1", group)
	})
}
