package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callsession/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const roomHandlePrefix = "callsession:room:"

// RoomHandleRepository shares resolved room handles between instances so a
// directory outage falls back to the same handle everywhere.
type RoomHandleRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRoomHandleRepository(client *redis.Client, ttl time.Duration) *RoomHandleRepository {
	return &RoomHandleRepository{client: client, ttl: ttl}
}

func (r *RoomHandleRepository) key(logicalID string) string {
	return roomHandlePrefix + logicalID
}

func (r *RoomHandleRepository) Get(ctx context.Context, logicalID string) (string, bool, error) {
	handle, err := r.client.Get(ctx, r.key(logicalID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get room handle from Redis: %w", err)
	}
	return handle, true, nil
}

func (r *RoomHandleRepository) Save(ctx context.Context, logicalID, handle string) error {
	if err := r.client.Set(ctx, r.key(logicalID), handle, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set room handle in Redis: %w", err)
	}
	return nil
}

var _ ports.RoomHandleRepository = (*RoomHandleRepository)(nil)
