package rtc

import (
	"context"

	"github.com/mossy-p/roomserver/internal/models"
)

// EventSink delivers server-originated events to a peer's connection. Implementations
// must not block and must not call back into the registries.
type EventSink interface {
	SendToPeer(peerID string, env *models.Envelope)
}

// RoomStore mirrors the room directory somewhere other processes can read it.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// RoomObserver is told about room lifecycle changes after they happened.
type RoomObserver interface {
	RoomClosed(room models.RoomMetadata, reason string)
	PeerJoined(room models.RoomMetadata, peer models.PeerInfo)
	PeerLeft(room models.RoomMetadata, peerID string)
}
