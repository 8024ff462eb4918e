package models

import (
	"bytes"
	"encoding/json"

	"github.com/pion/webrtc/v3"

	"github.com/mossy-p/roomserver/internal/media"
)

// MessageType discriminates the protocol envelope
type MessageType string

const (
	TypeRegisterPeer             MessageType = "registerPeer"
	TypeAuthUserNewToken         MessageType = "authUserNewToken"
	TypeRoomNewToken             MessageType = "roomNewToken"
	TypeRoomNew                  MessageType = "roomNew"
	TypeRoomJoin                 MessageType = "roomJoin"
	TypeRoomLeave                MessageType = "roomLeave"
	TypeRoomTerminate            MessageType = "roomTerminate"
	TypeCreateProducerTransport  MessageType = "createProducerTransport"
	TypeCreateConsumerTransport  MessageType = "createConsumerTransport"
	TypeConnectProducerTransport MessageType = "connectProducerTransport"
	TypeConnectConsumerTransport MessageType = "connectConsumerTransport"
	TypeRoomProduceStream        MessageType = "roomProduceStream"
	TypeRoomCloseProducer        MessageType = "roomCloseProducer"
	TypeRoomConsumeStream        MessageType = "roomConsumeStream"
	TypeRoomToggleTrack          MessageType = "roomToggleTrack"
	TypeSdpOffer                 MessageType = "sdpOffer"
	TypeSdpRequestOffer          MessageType = "sdpRequestOffer"
	TypeSdpAnswer                MessageType = "sdpAnswer"
	TypeTerminatePeer            MessageType = "terminatePeer"

	// server-originated events
	EventRoomNewPeer           MessageType = "roomNewPeer"
	EventRoomPeerLeft          MessageType = "roomPeerLeft"
	EventRoomNewProducer       MessageType = "roomNewProducer"
	EventRoomProducerClosed    MessageType = "roomProducerClosed"
	EventRoomPeerTracksChanged MessageType = "roomPeerTracksChanged"
	EventRoomClosed            MessageType = "roomClosed"
	EventPeerTerminated        MessageType = "peerTerminated"

	// TypeError answers envelopes that could not be decoded at all.
	TypeError MessageType = "error"
)

// ResultType is the reply type for a request type.
func (t MessageType) ResultType() MessageType {
	return t + "Result"
}

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode ErrorCode       `json:"errorCode,omitempty"`
}

// Request is implemented by every client-originated payload.
type Request interface {
	MessageType() MessageType
}

var requestFactories = map[MessageType]func() Request{
	TypeRegisterPeer:             func() Request { return &RegisterPeerRequest{} },
	TypeAuthUserNewToken:         func() Request { return &AuthUserNewTokenRequest{} },
	TypeRoomNewToken:             func() Request { return &RoomNewTokenRequest{} },
	TypeRoomNew:                  func() Request { return &RoomNewRequest{} },
	TypeRoomJoin:                 func() Request { return &RoomJoinRequest{} },
	TypeRoomLeave:                func() Request { return &RoomLeaveRequest{} },
	TypeRoomTerminate:            func() Request { return &RoomTerminateRequest{} },
	TypeCreateProducerTransport:  func() Request { return &CreateTransportRequest{Producing: true} },
	TypeCreateConsumerTransport:  func() Request { return &CreateTransportRequest{} },
	TypeConnectProducerTransport: func() Request { return &ConnectTransportRequest{Producing: true} },
	TypeConnectConsumerTransport: func() Request { return &ConnectTransportRequest{} },
	TypeRoomProduceStream:        func() Request { return &ProduceStreamRequest{} },
	TypeRoomCloseProducer:        func() Request { return &CloseProducerRequest{} },
	TypeRoomConsumeStream:        func() Request { return &ConsumeStreamRequest{} },
	TypeRoomToggleTrack:          func() Request { return &ToggleTrackRequest{} },
	TypeSdpOffer:                 func() Request { return &SdpOfferRequest{} },
	TypeSdpRequestOffer:          func() Request { return &SdpRequestOfferRequest{} },
	TypeSdpAnswer:                func() Request { return &SdpAnswerRequest{} },
	TypeTerminatePeer:            func() Request { return &TerminatePeerRequest{} },
}

// DecodeRequest parses an envelope into its concrete request. The returned type is set
// whenever the envelope itself parsed, so callers can address the reply even when the
// payload is malformed or the type is unknown.
func DecodeRequest(raw []byte) (MessageType, Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, NewError(CodeParseError, "malformed envelope: %v", err)
	}
	if env.Type == "" {
		return "", nil, NewError(CodeParseError, "envelope has no type")
	}

	factory, ok := requestFactories[env.Type]
	if !ok {
		return env.Type, nil, NewError(CodeParseError, "unknown message type %q", env.Type)
	}

	req := factory()
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, req); err != nil {
			return env.Type, nil, NewError(CodeParseError, "malformed %s payload: %v", env.Type, err)
		}
	}
	return env.Type, req, nil
}

// NewResult builds the reply envelope for a request; err, when set, wins over data.
func NewResult(t MessageType, data interface{}, err error) *Envelope {
	env := &Envelope{Type: t.ResultType()}
	if err != nil {
		env.Error = err.Error()
		env.ErrorCode = CodeOf(err)
		return env
	}
	env.Data = mustMarshal(data)
	return env
}

// NewErrorEnvelope answers input that could not be attributed to a request type.
func NewErrorEnvelope(err error) *Envelope {
	return &Envelope{Type: TypeError, Error: err.Error(), ErrorCode: CodeOf(err)}
}

func NewEvent(t MessageType, data interface{}) *Envelope {
	return &Envelope{Type: t, Data: mustMarshal(data)}
}

func mustMarshal(data interface{}) json.RawMessage {
	if data == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		// payloads are plain structs; failing here is a programming error
		panic(err)
	}
	return b
}

// Requests

type RegisterPeerRequest struct {
	AuthToken   string `json:"authToken"`
	DisplayName string `json:"displayName,omitempty"`
	TrackingID  string `json:"trackingId,omitempty"`
}

type AuthUserNewTokenRequest struct {
	Username         string `json:"username,omitempty"`
	Role             string `json:"role,omitempty"`
	ExpiresInMinutes int    `json:"expiresInMin,omitempty"`
}

type RoomNewTokenRequest struct {
	RoomID           string `json:"roomId,omitempty"`
	TrackingID       string `json:"trackingId,omitempty"`
	ExpiresInMinutes int    `json:"expiresInMin,omitempty"`
}

type RoomNewRequest struct {
	RoomID    string     `json:"roomId"`
	RoomToken string     `json:"roomToken"`
	Name      string     `json:"name,omitempty"`
	Config    RoomConfig `json:"config"`
}

type RoomJoinRequest struct {
	RoomID    string `json:"roomId"`
	RoomToken string `json:"roomToken"`
}

type RoomLeaveRequest struct {
	RoomID string `json:"roomId"`
}

type RoomTerminateRequest struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

type CreateTransportRequest struct {
	Producing bool `json:"-"`
}

type ConnectTransportRequest struct {
	Producing      bool                 `json:"-"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

type ProduceStreamRequest struct {
	Kind          media.MediaKind     `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId"`
}

type ConsumeStreamRequest struct {
	RemotePeerID    string                `json:"remotePeerId"`
	ProducerID      string                `json:"producerId"`
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
}

type ToggleTrackRequest struct {
	Kind    media.MediaKind `json:"kind"`
	Enabled bool            `json:"enabled"`
}

type SdpOfferRequest struct {
	Sdp string `json:"sdp"`
}

type SdpRequestOfferRequest struct{}

type SdpAnswerRequest struct {
	Sdp string `json:"sdp"`
}

type TerminatePeerRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (*RegisterPeerRequest) MessageType() MessageType     { return TypeRegisterPeer }
func (*AuthUserNewTokenRequest) MessageType() MessageType { return TypeAuthUserNewToken }
func (*RoomNewTokenRequest) MessageType() MessageType     { return TypeRoomNewToken }
func (*RoomNewRequest) MessageType() MessageType          { return TypeRoomNew }
func (*RoomJoinRequest) MessageType() MessageType         { return TypeRoomJoin }
func (*RoomLeaveRequest) MessageType() MessageType        { return TypeRoomLeave }
func (*RoomTerminateRequest) MessageType() MessageType    { return TypeRoomTerminate }
func (*ProduceStreamRequest) MessageType() MessageType    { return TypeRoomProduceStream }
func (*CloseProducerRequest) MessageType() MessageType    { return TypeRoomCloseProducer }
func (*ConsumeStreamRequest) MessageType() MessageType    { return TypeRoomConsumeStream }
func (*ToggleTrackRequest) MessageType() MessageType      { return TypeRoomToggleTrack }
func (*SdpOfferRequest) MessageType() MessageType         { return TypeSdpOffer }
func (*SdpRequestOfferRequest) MessageType() MessageType  { return TypeSdpRequestOffer }
func (*SdpAnswerRequest) MessageType() MessageType        { return TypeSdpAnswer }
func (*TerminatePeerRequest) MessageType() MessageType    { return TypeTerminatePeer }

func (r *CreateTransportRequest) MessageType() MessageType {
	if r.Producing {
		return TypeCreateProducerTransport
	}
	return TypeCreateConsumerTransport
}

func (r *ConnectTransportRequest) MessageType() MessageType {
	if r.Producing {
		return TypeConnectProducerTransport
	}
	return TypeConnectConsumerTransport
}

// Results and events

type RegisterPeerResult struct {
	PeerID          string                `json:"peerId"`
	Role            string                `json:"role"`
	RtpCapabilities media.RtpCapabilities `json:"rtpCapabilities"`
}

type AuthTokenResult struct {
	AuthToken string `json:"authToken"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

type RoomResult struct {
	RoomID string     `json:"roomId"`
	Name   string     `json:"name,omitempty"`
	Status RoomStatus `json:"status,omitempty"`
}

type ProducerInfo struct {
	ProducerID string          `json:"producerId"`
	Kind       media.MediaKind `json:"kind"`
}

type PeerInfo struct {
	PeerID       string         `json:"peerId"`
	DisplayName  string         `json:"displayName,omitempty"`
	TrackingID   string         `json:"trackingId,omitempty"`
	AudioEnabled bool           `json:"audioEnabled"`
	VideoEnabled bool           `json:"videoEnabled"`
	Producers    []ProducerInfo `json:"producers"`
}

type RoomJoinResult struct {
	RoomID     string     `json:"roomId"`
	RoomStatus RoomStatus `json:"roomStatus"`
	Peers      []PeerInfo `json:"peers"`
}

type TransportResult struct {
	TransportID    string               `json:"transportId"`
	IceParameters  webrtc.ICEParameters `json:"iceParameters"`
	IceCandidates  []media.IceCandidate `json:"iceCandidates"`
	DtlsParameters media.DtlsParameters `json:"dtlsParameters"`
}

type ConnectTransportResult struct {
	TransportID string `json:"transportId"`
}

type ConsumeResult struct {
	ConsumerID    string              `json:"consumerId"`
	ProducerID    string              `json:"producerId"`
	RemotePeerID  string              `json:"remotePeerId"`
	Kind          media.MediaKind     `json:"kind"`
	RtpParameters media.RtpParameters `json:"rtpParameters"`
}

type ToggleTrackResult struct {
	Kind    media.MediaKind `json:"kind"`
	Enabled bool            `json:"enabled"`
}

type SdpResult struct {
	Sdp       string         `json:"sdp,omitempty"`
	Producers []ProducerInfo `json:"producers,omitempty"`
}

type PeerResult struct {
	PeerID string `json:"peerId"`
}

type RoomNewPeerEvent struct {
	RoomID string `json:"roomId"`
	PeerInfo
}

type RoomPeerLeftEvent struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type RoomProducerEvent struct {
	RoomID     string          `json:"roomId"`
	PeerID     string          `json:"peerId"`
	ProducerID string          `json:"producerId"`
	Kind       media.MediaKind `json:"kind"`
}

type RoomPeerTracksEvent struct {
	RoomID       string `json:"roomId"`
	PeerID       string `json:"peerId"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

type RoomClosedEvent struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

type PeerTerminatedEvent struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}
