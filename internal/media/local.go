package media

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	iceUfragLength = 16
	icePwdLength   = 32
	iceRunes       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	hostCandidatePriority = 1076302079
)

type LocalEngineParams struct {
	AnnouncedIP string
	PortMin     uint16
	PortMax     uint16
	// Capabilities overrides DefaultCapabilities when set.
	Capabilities *RtpCapabilities
}

// LocalEngine is an in-process Engine. It allocates ICE credentials, a DTLS certificate
// and candidate ports the way a real SFU worker would, and tracks transports, producers
// and consumers with their close cascades, but it never touches RTP packets.
type LocalEngine struct {
	params       LocalEngineParams
	capabilities RtpCapabilities
	fingerprints []webrtc.DTLSFingerprint
	rng          randutil.MathRandomGenerator

	lock       sync.Mutex
	closed     bool
	nextPort   uint16
	transports map[string]*localTransport
	producers  map[string]*localProducer
}

func NewLocalEngine(params LocalEngineParams) (*LocalEngine, error) {
	if params.AnnouncedIP == "" {
		params.AnnouncedIP = "127.0.0.1"
	}
	if params.PortMin == 0 {
		params.PortMin = 40000
	}
	if params.PortMax < params.PortMin {
		params.PortMax = params.PortMin
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate dtls key")
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate dtls certificate")
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, errors.Wrap(err, "could not compute dtls fingerprints")
	}

	caps := DefaultCapabilities()
	if params.Capabilities != nil {
		caps = *params.Capabilities
	}

	return &LocalEngine{
		params:       params,
		capabilities: caps,
		fingerprints: fingerprints,
		rng:          randutil.NewMathRandomGenerator(),
		nextPort:     params.PortMin,
		transports:   make(map[string]*localTransport),
		producers:    make(map[string]*localProducer),
	}, nil
}

func (e *LocalEngine) RouterCapabilities() RtpCapabilities {
	return e.capabilities
}

func (e *LocalEngine) CreateWebRtcTransport(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ufrag, err := randutil.GenerateCryptoRandomString(iceUfragLength, iceRunes)
	if err != nil {
		return nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePwdLength, iceRunes)
	if err != nil {
		return nil, err
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	port := e.nextPort
	if e.nextPort >= e.params.PortMax {
		e.nextPort = e.params.PortMin
	} else {
		e.nextPort++
	}

	t := &localTransport{
		engine: e,
		id:     uuid.New().String(),
		ice: webrtc.ICEParameters{
			UsernameFragment: ufrag,
			Password:         pwd,
			ICELite:          true,
		},
		candidates: []IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   hostCandidatePriority,
			IP:         e.params.AnnouncedIP,
			Protocol:   "udp",
			Port:       port,
			Type:       "host",
		}},
		dtlsState: DtlsStateNew,
		producers: make(map[string]*localProducer),
		consumers: make(map[string]*localConsumer),
	}
	e.transports[t.id] = t
	return t, nil
}

// Close closes every transport, which closes every producer and consumer.
func (e *LocalEngine) Close() {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	transports := make([]*localTransport, 0, len(e.transports))
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	e.lock.Unlock()

	for _, t := range transports {
		t.Close()
	}
}

// Stats reports the number of live transports and producers.
func (e *LocalEngine) Stats() (transports int, producers int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.transports), len(e.producers)
}

func (e *LocalEngine) producer(id string) *localProducer {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.producers[id]
}

func (e *LocalEngine) addProducer(p *localProducer) {
	e.lock.Lock()
	e.producers[p.id] = p
	e.lock.Unlock()
}

func (e *LocalEngine) removeProducer(id string) {
	e.lock.Lock()
	delete(e.producers, id)
	e.lock.Unlock()
}

func (e *LocalEngine) removeTransport(id string) {
	e.lock.Lock()
	delete(e.transports, id)
	e.lock.Unlock()
}

type localTransport struct {
	engine     *LocalEngine
	id         string
	ice        webrtc.ICEParameters
	candidates []IceCandidate

	lock       sync.Mutex
	dtlsState  DtlsState
	remoteDtls *DtlsParameters
	producers  map[string]*localProducer
	consumers  map[string]*localConsumer
	nextMid    int

	closed atomic.Bool
}

func (t *localTransport) ID() string                          { return t.id }
func (t *localTransport) IceParameters() webrtc.ICEParameters { return t.ice }
func (t *localTransport) IceCandidates() []IceCandidate       { return t.candidates }
func (t *localTransport) Closed() bool                        { return t.closed.Load() }

func (t *localTransport) DtlsParameters() DtlsParameters {
	return DtlsParameters{
		Role:         DtlsRoleAuto,
		Fingerprints: t.engine.fingerprints,
	}
}

func (t *localTransport) DtlsState() DtlsState {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.dtlsState
}

func (t *localTransport) Connect(ctx context.Context, remote DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(remote.Fingerprints) == 0 {
		return ErrMissingFingerprint
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.dtlsState != DtlsStateNew {
		return ErrAlreadyConnected
	}
	t.remoteDtls = &remote
	t.dtlsState = DtlsStateConnected
	return nil
}

func (t *localTransport) Produce(ctx context.Context, kind MediaKind, params RtpParameters) (Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}

	supported := false
	for _, codec := range params.Codecs {
		if c, ok := t.engine.capabilities.CodecFor(codec.MimeType); ok && c.Kind == kind {
			supported = true
			break
		}
	}
	if !supported {
		return nil, ErrUnsupportedCodec
	}

	p := &localProducer{
		transport: t,
		id:        uuid.New().String(),
		kind:      kind,
		params:    params,
		consumers: make(map[string]*localConsumer),
	}

	t.lock.Lock()
	if t.closed.Load() {
		t.lock.Unlock()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.lock.Unlock()

	t.engine.addProducer(p)
	return p, nil
}

func (t *localTransport) Consume(ctx context.Context, producerID string, caps RtpCapabilities) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	producer := t.engine.producer(producerID)
	if producer == nil || producer.Closed() {
		return nil, ErrProducerNotFound
	}

	var (
		codec RtpCodecParameters
		found bool
	)
	for _, pc := range producer.params.Codecs {
		if capability, ok := caps.CodecFor(pc.MimeType); ok && capability.Kind == producer.kind {
			codec = pc
			codec.PayloadType = capability.PreferredPayloadType
			found = true
			break
		}
	}
	if !found {
		return nil, ErrCannotConsume
	}

	t.lock.Lock()
	if t.closed.Load() {
		t.lock.Unlock()
		return nil, ErrTransportClosed
	}
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	c := &localConsumer{
		transport: t,
		producer:  producer,
		id:        uuid.New().String(),
		params: RtpParameters{
			Mid:       mid,
			Codecs:    []RtpCodecParameters{codec},
			Encodings: []RtpEncodingParameters{{Ssrc: t.engine.rng.Uint32()}},
			Rtcp:      RtcpParameters{Cname: producer.params.Rtcp.Cname, ReducedSize: true},
		},
	}
	t.consumers[c.id] = c
	t.lock.Unlock()

	if !producer.addConsumer(c) {
		// producer closed while the consumer was being built
		c.Close()
		return nil, ErrProducerNotFound
	}
	return c, nil
}

func (t *localTransport) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	t.lock.Lock()
	t.dtlsState = DtlsStateClosed
	producers := make([]*localProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*localConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.lock.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	t.engine.removeTransport(t.id)
}

func (t *localTransport) removeProducer(id string) {
	t.lock.Lock()
	delete(t.producers, id)
	t.lock.Unlock()
}

func (t *localTransport) removeConsumer(id string) {
	t.lock.Lock()
	delete(t.consumers, id)
	t.lock.Unlock()
}

// closeHooks runs registered callbacks exactly once.
type closeHooks struct {
	lock  sync.Mutex
	fired bool
	hooks []func()
}

func (h *closeHooks) add(f func()) {
	h.lock.Lock()
	if h.fired {
		h.lock.Unlock()
		f()
		return
	}
	h.hooks = append(h.hooks, f)
	h.lock.Unlock()
}

func (h *closeHooks) fire() {
	h.lock.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.fired = true
	h.lock.Unlock()

	for _, f := range hooks {
		f()
	}
}

type localProducer struct {
	transport *localTransport
	id        string
	kind      MediaKind
	params    RtpParameters

	lock      sync.Mutex
	consumers map[string]*localConsumer

	closed  atomic.Bool
	onClose closeHooks
}

func (p *localProducer) ID() string                   { return p.id }
func (p *localProducer) Kind() MediaKind              { return p.kind }
func (p *localProducer) RtpParameters() RtpParameters { return p.params }
func (p *localProducer) Closed() bool                 { return p.closed.Load() }
func (p *localProducer) OnClose(f func())             { p.onClose.add(f) }

func (p *localProducer) addConsumer(c *localConsumer) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed.Load() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *localProducer) removeConsumer(id string) {
	p.lock.Lock()
	delete(p.consumers, id)
	p.lock.Unlock()
}

func (p *localProducer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.lock.Lock()
	consumers := make([]*localConsumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = make(map[string]*localConsumer)
	p.lock.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	p.transport.removeProducer(p.id)
	p.transport.engine.removeProducer(p.id)
	p.onClose.fire()
}

type localConsumer struct {
	transport *localTransport
	producer  *localProducer
	id        string
	params    RtpParameters

	closed  atomic.Bool
	onClose closeHooks
}

func (c *localConsumer) ID() string                   { return c.id }
func (c *localConsumer) ProducerID() string           { return c.producer.id }
func (c *localConsumer) Kind() MediaKind              { return c.producer.kind }
func (c *localConsumer) RtpParameters() RtpParameters { return c.params }
func (c *localConsumer) Closed() bool                 { return c.closed.Load() }
func (c *localConsumer) OnClose(f func())             { c.onClose.add(f) }

func (c *localConsumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	c.onClose.fire()
}

// MimeKind derives the media kind from a mime type such as "audio/opus".
func MimeKind(mimeType string) MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return MediaKind(kind)
}
