package memory

import (
	"context"
	"time"

	"callsession/internal/core/ports"
	"callsession/pkg/cache"
)

// RoomHandleRepository keeps room handles in process memory. Entries expire
// after the configured TTL; a zero TTL keeps them for the process lifetime.
type RoomHandleRepository struct {
	handles *cache.Cache[string]
}

func NewRoomHandleRepository(ttl time.Duration) *RoomHandleRepository {
	return &RoomHandleRepository{handles: cache.New[string](ttl)}
}

func (r *RoomHandleRepository) Get(ctx context.Context, logicalID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	handle, ok := r.handles.Get(logicalID)
	return handle, ok, nil
}

func (r *RoomHandleRepository) Save(ctx context.Context, logicalID, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.handles.Set(logicalID, handle)
	return nil
}

// Close stops the expiry sweeper.
func (r *RoomHandleRepository) Close() error {
	r.handles.Stop()
	return nil
}

var _ ports.RoomHandleRepository = (*RoomHandleRepository)(nil)
