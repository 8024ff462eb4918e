package sdpbridge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"

	"github.com/mossy-p/roomserver/internal/media"
	"github.com/mossy-p/roomserver/internal/models"
)

const (
	attrFingerprint = "fingerprint"
	attrIceLite     = "ice-lite"
	attrMsidSem     = "msid-semantic"
	attrRTCPRsize   = "rtcp-rsize"

	setupActive  = "active"
	setupPassive = "passive"
	setupActPass = "actpass"
)

func parse(text string) (*sdp.SessionDescription, error) {
	if strings.TrimSpace(text) == "" {
		return nil, models.NewError(models.CodeParseError, "empty sdp")
	}
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(text)); err != nil {
		return nil, models.NewError(models.CodeParseError, "invalid sdp: %v", err)
	}
	return sd, nil
}

// remoteDtls collects the fingerprint and setup role of the remote side. Media-level
// attributes win over session-level ones, as they do in browsers' bundled offers.
func remoteDtls(sd *sdp.SessionDescription) (media.DtlsParameters, string, error) {
	lookup := func(key string) (string, bool) {
		for _, md := range sd.MediaDescriptions {
			if md.MediaName.Port.Value == 0 {
				continue
			}
			if v, ok := md.Attribute(key); ok {
				return v, true
			}
		}
		return sd.Attribute(key)
	}

	fp, ok := lookup(attrFingerprint)
	if !ok {
		return media.DtlsParameters{}, "", models.NewError(models.CodeParseError, "sdp carries no dtls fingerprint")
	}
	algorithm, value, found := strings.Cut(strings.TrimSpace(fp), " ")
	if !found || value == "" {
		return media.DtlsParameters{}, "", models.NewError(models.CodeParseError, "malformed fingerprint %q", fp)
	}

	setup, _ := lookup(sdp.AttrKeyConnectionSetup)
	params := media.DtlsParameters{
		Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: strings.ToLower(algorithm), Value: strings.TrimSpace(value)}},
	}
	switch setup {
	case setupActive:
		params.Role = media.DtlsRoleClient
	case setupPassive:
		params.Role = media.DtlsRoleServer
	default:
		params.Role = media.DtlsRoleAuto
	}
	return params, setup, nil
}

// direction returns the media direction of a section; sendrecv when unstated.
func direction(md *sdp.MediaDescription) string {
	for _, key := range []string{sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeySendRecv, sdp.AttrKeyInactive} {
		if _, ok := md.Attribute(key); ok {
			return key
		}
	}
	return sdp.AttrKeySendRecv
}

// rtpParameters maps the first codec of an offered section that caps support.
func rtpParameters(sd *sdp.SessionDescription, md *sdp.MediaDescription, kind media.MediaKind, caps media.RtpCapabilities) (media.RtpParameters, bool) {
	mid, _ := md.Attribute(sdp.AttrKeyMID)
	params := media.RtpParameters{Mid: mid}

	for _, format := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		codec, err := sd.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			continue
		}
		mime := string(kind) + "/" + codec.Name
		capability, ok := caps.CodecFor(mime)
		if !ok || capability.Kind != kind {
			continue
		}
		channels, _ := strconv.ParseUint(codec.EncodingParameters, 10, 16)
		params.Codecs = append(params.Codecs, media.RtpCodecParameters{
			MimeType:    capability.MimeType,
			PayloadType: uint8(pt),
			ClockRate:   codec.ClockRate,
			Channels:    uint16(channels),
			Parameters:  parseFmtp(codec.Fmtp),
		})
		break
	}
	if len(params.Codecs) == 0 {
		return params, false
	}

	ssrc, cname := sourceOf(md)
	if ssrc != 0 {
		params.Encodings = []media.RtpEncodingParameters{{Ssrc: ssrc}}
	}
	params.Rtcp = media.RtcpParameters{Cname: cname, ReducedSize: hasAttribute(md, attrRTCPRsize)}
	return params, true
}

// sourceOf returns the first a=ssrc of a section and its cname.
func sourceOf(md *sdp.MediaDescription) (uint32, string) {
	var (
		ssrc  uint32
		cname string
	)
	for _, attr := range md.Attributes {
		if attr.Key != sdp.AttrKeySSRC {
			continue
		}
		id, rest, _ := strings.Cut(attr.Value, " ")
		v, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		if ssrc == 0 {
			ssrc = uint32(v)
		}
		if uint32(v) == ssrc && strings.HasPrefix(rest, "cname:") {
			cname = strings.TrimPrefix(rest, "cname:")
		}
	}
	return ssrc, cname
}

func parseFmtp(fmtp string) map[string]string {
	if fmtp == "" {
		return nil
	}
	params := make(map[string]string)
	for _, part := range strings.Split(fmtp, ";") {
		k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
		if k != "" {
			params[k] = v
		}
	}
	return params
}

func formatFmtp(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

func hasAttribute(md *sdp.MediaDescription, key string) bool {
	_, ok := md.Attribute(key)
	return ok
}

func newSession(version uint64) (*sdp.SessionDescription, error) {
	sd, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}
	sd.Origin.SessionVersion = version
	return sd, nil
}

// newSection starts a bundled media section carrying the transport's ICE and DTLS identity.
func newSection(kind string, mid string, t media.Transport, setup string) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  kind,
			Port:   sdp.RangedPort{Value: 9},
			Protos: []string{"UDP", "TLS", "RTP", "SAVPF"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	ice := t.IceParameters()
	if mid != "" {
		md.WithValueAttribute(sdp.AttrKeyMID, mid)
	}
	md.WithICECredentials(ice.UsernameFragment, ice.Password).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, setup).
		WithPropertyAttribute(sdp.AttrKeyRTCPMux)
	for _, fp := range t.DtlsParameters().Fingerprints {
		md.WithFingerprint(fp.Algorithm, fp.Value)
	}
	for _, c := range t.IceCandidates() {
		md.WithCandidate(candidateLine(c))
	}
	return md
}

// sectionKey identifies an offered m-line: its mid, or its position when the offer
// carries no mids.
func sectionKey(md *sdp.MediaDescription, index int) string {
	if mid, ok := md.Attribute(sdp.AttrKeyMID); ok && mid != "" {
		return mid
	}
	return "#" + strconv.Itoa(index)
}

// rejectedSection keeps a slot in the m-line order without negotiating it.
func rejectedSection(kind, mid string, formats []string) *sdp.MediaDescription {
	if len(formats) == 0 {
		formats = []string{"0"}
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: formats[:1],
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	if mid != "" {
		md.WithValueAttribute(sdp.AttrKeyMID, mid)
	}
	md.WithPropertyAttribute(sdp.AttrKeyInactive)
	return md
}

func withCodec(md *sdp.MediaDescription, codec media.RtpCodecParameters) {
	_, name, _ := strings.Cut(codec.MimeType, "/")
	md.WithCodec(codec.PayloadType, name, codec.ClockRate, codec.Channels, formatFmtp(codec.Parameters))
	for _, fb := range codec.RtcpFeedback {
		value := fmt.Sprintf("%d %s", codec.PayloadType, fb.Type)
		if fb.Parameter != "" {
			value += " " + fb.Parameter
		}
		md.WithValueAttribute("rtcp-fb", value)
	}
}

func candidateLine(c media.IceCandidate) string {
	return fmt.Sprintf("%s 1 %s %d %s %d typ %s", c.Foundation, strings.ToLower(c.Protocol), c.Priority, c.IP, c.Port, c.Type)
}

func marshal(sd *sdp.SessionDescription) (string, error) {
	b, err := sd.Marshal()
	if err != nil {
		return "", models.NewError(models.CodeInternal, "failed to build sdp: %v", err)
	}
	return string(b), nil
}
