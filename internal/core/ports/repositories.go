package ports

import "context"

// RoomHandleRepository remembers the last handle that worked for a logical
// room so fallbacks converge across clients.
type RoomHandleRepository interface {
	Get(ctx context.Context, logicalID string) (handle string, found bool, err error)
	Save(ctx context.Context, logicalID, handle string) error
}

// RoomLocker serializes room creation across instances sharing a directory.
type RoomLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
