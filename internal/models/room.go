package models

import "time"

// RoomStatus only ever advances: none -> initializing -> ready -> closed.
type RoomStatus string

const (
	RoomStatusNone         RoomStatus = "none"
	RoomStatusInitializing RoomStatus = "initializing"
	RoomStatusReady        RoomStatus = "ready"
	RoomStatusClosed       RoomStatus = "closed"
)

func (s RoomStatus) rank() int {
	switch s {
	case RoomStatusInitializing:
		return 1
	case RoomStatusReady:
		return 2
	case RoomStatusClosed:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether moving from s to next keeps the status moving forward.
func (s RoomStatus) CanAdvanceTo(next RoomStatus) bool {
	return next.rank() > s.rank()
}

// RoomConfig is the per-room policy. Zero values fall back to server defaults; a
// negative timeout disables that timer for the room.
type RoomConfig struct {
	MaxPeers                  int `json:"maxPeers,omitempty"`
	TimeOutNoParticipantsSecs int `json:"timeOutNoParticipantsSecs,omitempty"`
	MaxDurationSecs           int `json:"maxDurationSecs,omitempty"`
	// CloseOnPeerCount closes the room as soon as a departure leaves exactly this many peers.
	CloseOnPeerCount *int          `json:"closeOnPeerCount,omitempty"`
	Recording        RecordingFlags `json:"recording"`
	Callbacks        RoomCallbacks  `json:"callbacks"`
}

type RecordingFlags struct {
	Enabled   bool `json:"enabled"`
	AutoStart bool `json:"autoStart"`
}

type RoomCallbacks struct {
	OnRoomClosed string `json:"onRoomClosed,omitempty"`
	OnPeerJoined string `json:"onPeerJoined,omitempty"`
	OnPeerLeft   string `json:"onPeerLeft,omitempty"`
}

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	TrackingID string     `json:"trackingId,omitempty"`
	OwnerID    string     `json:"ownerId,omitempty"` // username from the auth token that created the room
	Status     RoomStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	MaxPeers   int        `json:"maxPeers"`
	PeerCount  int        `json:"peerCount"`
	Config     RoomConfig `json:"config"`
}

// CreateRoomTokenRequest is the request body for minting a room token
type CreateRoomTokenRequest struct {
	RoomID           string `json:"roomId,omitempty"`
	TrackingID       string `json:"trackingId,omitempty"`
	ExpiresInMinutes int    `json:"expiresInMin,omitempty" binding:"min=0"`
}

type CreateRoomTokenResponse struct {
	RoomID     string `json:"roomId"`
	TrackingID string `json:"trackingId,omitempty"`
	RoomToken  string `json:"roomToken"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	RoomID    string     `json:"roomId" binding:"required"`
	RoomToken string     `json:"roomToken" binding:"required"`
	Name      string     `json:"name"`
	Config    RoomConfig `json:"config"`
}

type ServerStatus struct {
	Rooms       int            `json:"rooms"`
	Peers       int            `json:"peers"`
	Connections int            `json:"connections"`
	RoomList    []RoomMetadata `json:"roomList"`
}
