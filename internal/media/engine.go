package media

import (
	"context"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

var (
	ErrEngineClosed       = errors.New("media engine closed")
	ErrTransportClosed    = errors.New("transport closed")
	ErrProducerNotFound   = errors.New("producer not found")
	ErrUnsupportedCodec   = errors.New("no codec in rtp parameters is supported")
	ErrCannotConsume      = errors.New("rtp capabilities cannot consume producer")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrInvalidKind        = errors.New("invalid media kind")
	ErrMissingFingerprint = errors.New("dtls parameters carry no fingerprint")
)

// Engine is the media-forwarding collaborator. The room server only orchestrates calls
// into it; packet routing happens behind this boundary.
type Engine interface {
	RouterCapabilities() RtpCapabilities
	CreateWebRtcTransport(ctx context.Context) (Transport, error)
	Close()
}

type Transport interface {
	ID() string
	IceParameters() webrtc.ICEParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	DtlsState() DtlsState
	Connect(ctx context.Context, remote DtlsParameters) error
	Produce(ctx context.Context, kind MediaKind, params RtpParameters) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RtpCapabilities) (Consumer, error)
	Close()
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Close()
	Closed() bool
	// OnClose registers f to run once when the producer closes.
	OnClose(f func())
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RtpParameters() RtpParameters
	Close()
	Closed() bool
	OnClose(f func())
}
