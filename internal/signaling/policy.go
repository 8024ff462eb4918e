package signaling

import (
	"github.com/mossy-p/roomserver/internal/auth"
	"github.com/mossy-p/roomserver/internal/models"
)

// Policy maps each request type to the roles allowed to send it. Types without an entry
// are denied to everyone.
type Policy map[models.MessageType][]auth.Role

var (
	anyRole    = []auth.Role{auth.RoleAdmin, auth.RoleUser, auth.RoleGuest}
	staffRoles = []auth.Role{auth.RoleAdmin, auth.RoleUser}
	mediaRoles = []auth.Role{auth.RoleUser}
)

func DefaultPolicy() Policy {
	return Policy{
		models.TypeRegisterPeer:     anyRole,
		models.TypeTerminatePeer:    anyRole,
		models.TypeAuthUserNewToken: staffRoles,
		models.TypeRoomNewToken:     staffRoles,
		models.TypeRoomNew:          staffRoles,
		models.TypeRoomTerminate:    staffRoles,

		// guests never hold media resources
		models.TypeRoomJoin:                 mediaRoles,
		models.TypeRoomLeave:                mediaRoles,
		models.TypeCreateProducerTransport:  mediaRoles,
		models.TypeCreateConsumerTransport:  mediaRoles,
		models.TypeConnectProducerTransport: mediaRoles,
		models.TypeConnectConsumerTransport: mediaRoles,
		models.TypeRoomProduceStream:        mediaRoles,
		models.TypeRoomCloseProducer:        mediaRoles,
		models.TypeRoomConsumeStream:        mediaRoles,
		models.TypeRoomToggleTrack:          mediaRoles,
		models.TypeSdpOffer:                 mediaRoles,
		models.TypeSdpRequestOffer:          mediaRoles,
		models.TypeSdpAnswer:                mediaRoles,
	}
}

func (p Policy) Allowed(t models.MessageType, role auth.Role) bool {
	for _, r := range p[t] {
		if r == role {
			return true
		}
	}
	return false
}
