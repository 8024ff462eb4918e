package media

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

type DtlsRole string

const (
	DtlsRoleAuto   DtlsRole = "auto"
	DtlsRoleClient DtlsRole = "client"
	DtlsRoleServer DtlsRole = "server"
)

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

type DtlsParameters struct {
	Role         DtlsRole                 `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind         `json:"kind"`
	MimeType             string            `json:"mimeType"`
	PreferredPayloadType uint8             `json:"preferredPayloadType"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint16            `json:"channels,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback    `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// CodecFor returns the first capability matching mimeType, compared case-insensitively.
func (c RtpCapabilities) CodecFor(mimeType string) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}

type RtpCodecParameters struct {
	MimeType     string            `json:"mimeType"`
	PayloadType  uint8             `json:"payloadType"`
	ClockRate    uint32            `json:"clockRate"`
	Channels     uint16            `json:"channels,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback    `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc uint32 `json:"ssrc,omitempty"`
	Rid  string `json:"rid,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
	Rtcp      RtcpParameters          `json:"rtcp"`
}

// DefaultCapabilities is the codec set the local router advertises.
func DefaultCapabilities() RtpCapabilities {
	nack := []RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}, {Type: "goog-remb"}}
	return RtpCapabilities{
		Codecs: []RtpCodecCapability{
			{
				Kind:                 MediaKindAudio,
				MimeType:             webrtc.MimeTypeOpus,
				PreferredPayloadType: 100,
				ClockRate:            48000,
				Channels:             2,
				Parameters:           map[string]string{"minptime": "10", "useinbandfec": "1"},
			},
			{
				Kind:                 MediaKindVideo,
				MimeType:             webrtc.MimeTypeVP8,
				PreferredPayloadType: 101,
				ClockRate:            90000,
				RtcpFeedback:         nack,
			},
			{
				Kind:                 MediaKindVideo,
				MimeType:             webrtc.MimeTypeH264,
				PreferredPayloadType: 102,
				ClockRate:            90000,
				Parameters:           map[string]string{"packetization-mode": "1", "profile-level-id": "42e01f", "level-asymmetry-allowed": "1"},
				RtcpFeedback:         nack,
			},
		},
		HeaderExtensions: []RtpHeaderExtension{
			{Kind: MediaKindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
			{Kind: MediaKindVideo, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
		},
	}
}
