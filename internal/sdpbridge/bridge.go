package sdpbridge

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/models"
	"github.com/mossy-p/roomserver/internal/rtc"
)

// Bridge lets a plain WebRTC client publish and subscribe through a Peer with SDP
// offer/answer instead of the native transport/produce/consume messages. One Bridge
// serves one peer; callers serialize requests per connection.
type Bridge struct {
	peer   *rtc.Peer
	rooms  *rtc.RoomRegistry
	caps   media.RtpCapabilities
	logger *zap.SugaredLogger

	lock        sync.Mutex
	version     uint64
	lastOffer   *sdp.SessionDescription
	answerSetup string
	// producers created from client offers, by sectionKey
	produced map[string]media.Producer
	// m-lines of the offers this side sends, in a fixed order
	sections []*outboundSection
	nextMid  int
}

type outboundSection struct {
	mid          string
	kind         media.MediaKind
	remotePeerID string
	consumer     media.Consumer
}

func New(peer *rtc.Peer, rooms *rtc.RoomRegistry, caps media.RtpCapabilities, logger *zap.SugaredLogger) *Bridge {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bridge{
		peer:     peer,
		rooms:    rooms,
		caps:     caps,
		logger:   logger.With("peerID", peer.ID()),
		produced: make(map[string]media.Producer),
	}
}

// ProcessOffer applies a client offer: it connects the producer transport the first
// time and creates at most one producer per media kind. Sections for a kind that is
// already produced are skipped, so a renegotiated offer never produces twice.
func (b *Bridge) ProcessOffer(ctx context.Context, text string) ([]media.Producer, error) {
	sd, err := parse(text)
	if err != nil {
		return nil, err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	var sending []int
	for i, md := range sd.MediaDescriptions {
		if !media.MediaKind(md.MediaName.Media).Valid() || md.MediaName.Port.Value == 0 {
			continue
		}
		if dir := direction(md); dir == sdp.AttrKeySendOnly || dir == sdp.AttrKeySendRecv {
			sending = append(sending, i)
		}
	}
	if len(sending) == 0 {
		b.lastOffer = sd
		b.answerSetup = setupPassive
		return []media.Producer{}, nil
	}

	dtls, setup, err := remoteDtls(sd)
	if err != nil {
		return nil, err
	}
	if _, err := b.peer.CreateProducerTransport(ctx); err != nil {
		return nil, err
	}
	if _, err := b.peer.ConnectTransport(ctx, rtc.DirectionSend, dtls); err != nil {
		return nil, err
	}

	created := []media.Producer{}
	seen := make(map[media.MediaKind]bool)
	for _, i := range sending {
		md := sd.MediaDescriptions[i]
		kind := media.MediaKind(md.MediaName.Media)
		mid := sectionKey(md, i)

		if existing := b.produced[mid]; existing != nil && !existing.Closed() && existing.Kind() == kind {
			seen[kind] = true
			continue
		}
		if seen[kind] || b.peer.ProducerOfKind(kind) != nil {
			b.logger.Warnw("skipping duplicate media section", "kind", kind, "mid", mid)
			continue
		}
		params, ok := rtpParameters(sd, md, kind, b.caps)
		if !ok {
			b.logger.Warnw("no supported codec in media section", "kind", kind, "mid", mid)
			continue
		}

		producer, _, err := b.peer.Produce(ctx, kind, params)
		if err != nil {
			for _, p := range created {
				p.Close()
			}
			return nil, err
		}
		seen[kind] = true
		b.produced[mid] = producer
		created = append(created, producer)
	}

	b.lastOffer = sd
	b.answerSetup = setupPassive
	if setup == setupPassive {
		b.answerSetup = setupActive
	}
	return created, nil
}

// CreateAnswer answers the last processed offer. Sections backed by a producer are
// accepted receive-only; every other section is rejected with port 0.
func (b *Bridge) CreateAnswer() (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.lastOffer == nil {
		return "", models.NewError(models.CodeParseError, "no offer to answer")
	}
	t := b.peer.Transport(rtc.DirectionSend)

	b.version++
	sd, err := newSession(b.version)
	if err != nil {
		return "", err
	}
	if t != nil && t.IceParameters().ICELite {
		sd.WithPropertyAttribute(attrIceLite)
	}

	var bundle []string
	for i, offered := range b.lastOffer.MediaDescriptions {
		mid, _ := offered.Attribute(sdp.AttrKeyMID)
		producer := b.produced[sectionKey(offered, i)]
		if t == nil || t.Closed() || producer == nil || producer.Closed() {
			sd.WithMedia(rejectedSection(offered.MediaName.Media, mid, offered.MediaName.Formats))
			continue
		}
		md := newSection(offered.MediaName.Media, mid, t, b.answerSetup)
		withCodec(md, producer.RtpParameters().Codecs[0])
		md.WithPropertyAttribute(sdp.AttrKeyRecvOnly)
		sd.WithMedia(md)
		if mid != "" {
			bundle = append(bundle, mid)
		}
	}
	if len(bundle) > 0 {
		sd.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundle, " "))
	}
	return marshal(sd)
}

// SubscribeAll consumes every producer in the peer's room that it does not consume yet
// and reports the producers it subscribed to.
func (b *Bridge) SubscribeAll(ctx context.Context) ([]models.ProducerInfo, error) {
	roomID := b.peer.RoomID()
	if roomID == "" {
		return nil, models.ErrNotInRoom
	}
	room := b.rooms.GetRoom(roomID)
	if room == nil {
		return nil, models.NewError(models.CodeNotFound, "room %s not found", roomID)
	}
	if _, err := b.peer.CreateConsumerTransport(ctx); err != nil {
		return nil, err
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	subscribed := []models.ProducerInfo{}
	for _, remote := range room.Peers() {
		if remote.ID() == b.peer.ID() {
			continue
		}
		for _, info := range remote.Info().Producers {
			if b.peer.ConsumerFor(info.ProducerID) != nil {
				continue
			}
			consumer, err := b.peer.Consume(ctx, remote, info.ProducerID, b.caps)
			if err != nil {
				if models.CodeOf(err) == models.CodeNotFound {
					// closed while we were iterating
					continue
				}
				return subscribed, err
			}
			b.sections = append(b.sections, &outboundSection{
				mid:          strconv.Itoa(b.nextMid),
				kind:         consumer.Kind(),
				remotePeerID: remote.ID(),
				consumer:     consumer,
			})
			b.nextMid++
			subscribed = append(subscribed, info)
		}
	}
	return subscribed, nil
}

// CreateOffer describes every consumer this bridge has attached as a send-only section.
// Mids never move; a section whose consumer closed stays in place, rejected.
func (b *Bridge) CreateOffer() (string, error) {
	t := b.peer.Transport(rtc.DirectionRecv)
	if t == nil || t.Closed() {
		return "", models.NewError(models.CodeNoTransport, "consumer transport not created")
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	b.version++
	sd, err := newSession(b.version)
	if err != nil {
		return "", err
	}
	if t.IceParameters().ICELite {
		sd.WithPropertyAttribute(attrIceLite)
	}
	sd.WithValueAttribute(attrMsidSem, " WMS *")

	var bundle []string
	for _, sec := range b.sections {
		if sec.consumer.Closed() {
			sd.WithMedia(rejectedSection(string(sec.kind), sec.mid, nil))
			continue
		}
		params := sec.consumer.RtpParameters()
		md := newSection(string(sec.kind), sec.mid, t, setupActPass)
		withCodec(md, params.Codecs[0])
		md.WithPropertyAttribute(sdp.AttrKeySendOnly)
		if len(params.Encodings) > 0 && params.Encodings[0].Ssrc != 0 {
			cname := params.Rtcp.Cname
			if cname == "" {
				cname = sec.remotePeerID
			}
			md.WithMediaSource(params.Encodings[0].Ssrc, cname, sec.remotePeerID, sec.consumer.ID())
		}
		sd.WithMedia(md)
		bundle = append(bundle, sec.mid)
	}
	if len(bundle) > 0 {
		sd.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundle, " "))
	}
	return marshal(sd)
}

// ProcessAnswer applies the client's answer to an offer from CreateOffer. The consumer
// transport is only connected while it is still new.
func (b *Bridge) ProcessAnswer(ctx context.Context, text string) error {
	sd, err := parse(text)
	if err != nil {
		return err
	}
	dtls, _, err := remoteDtls(sd)
	if err != nil {
		return err
	}
	_, err = b.peer.ConnectTransport(ctx, rtc.DirectionRecv, dtls)
	return err
}
