package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/roomserver/internal/models"
)

// DefaultRoomTTL bounds how long a directory entry outlives a server that died
// without cleaning up.
const DefaultRoomTTL = 24 * time.Hour

func roomKey(roomID string) string  { return "room:" + roomID }
func peersKey(roomID string) string { return "room:" + roomID + ":peers" }

// RoomStore keeps the room directory in Redis: room metadata as JSON under
// room:<id> and the member ids as a set under room:<id>:peers.
type RoomStore struct {
	rc  redis.UniversalClient
	ttl time.Duration
}

func NewRoomStore(rc redis.UniversalClient, ttl time.Duration) *RoomStore {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &RoomStore{rc: rc, ttl: ttl}
}

func (s *RoomStore) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := s.rc.Set(ctx, roomKey(room.ID), data, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "could not save room %s", room.ID)
	}
	return nil
}

func (s *RoomStore) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.rc.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "could not add peer %s to room %s", peerID, roomID)
	}
	return nil
}

func (s *RoomStore) RemovePeer(ctx context.Context, roomID, peerID string) error {
	if err := s.rc.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return errors.Wrapf(err, "could not remove peer %s from room %s", peerID, roomID)
	}
	return nil
}

func (s *RoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	if err := s.rc.Del(ctx, roomKey(roomID), peersKey(roomID)).Err(); err != nil {
		return errors.Wrapf(err, "could not delete room %s", roomID)
	}
	return nil
}

// GetRoom reads a directory entry, with PeerCount taken from the member set.
func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (*models.RoomMetadata, error) {
	data, err := s.rc.Get(ctx, roomKey(roomID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, models.NewError(models.CodeNotFound, "room %s not found", roomID)
		}
		return nil, errors.Wrapf(err, "could not get room %s", roomID)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, errors.Wrapf(err, "could not parse room %s", roomID)
	}

	count, err := s.rc.SCard(ctx, peersKey(roomID)).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrapf(err, "could not count peers of room %s", roomID)
	}
	room.PeerCount = int(count)
	return &room, nil
}

func (s *RoomStore) ListPeers(ctx context.Context, roomID string) ([]string, error) {
	peers, err := s.rc.SMembers(ctx, peersKey(roomID)).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrapf(err, "could not list peers of room %s", roomID)
	}
	return peers, nil
}
