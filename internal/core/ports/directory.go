package ports

import (
	"context"

	"callsession/internal/core/domain"
)

// TokenSource fetches a raw platform access token from the backend.
type TokenSource interface {
	FetchToken(ctx context.Context) (string, error)
}

// RoomRecord is a directory entry.
type RoomRecord struct {
	Handle       string
	Participants []domain.ParticipantID
	// HasParticipants is true when the response carried a participant list,
	// even an empty one.
	HasParticipants bool
}

// DirectoryAPI is the identity/room backend. GetRoom returns
// domain.ErrRoomNotFound for any non-2xx answer; every other error means
// the directory is unreachable or answered garbage.
type DirectoryAPI interface {
	GetRoom(ctx context.Context, logicalID string) (*RoomRecord, error)
	CreateRoom(ctx context.Context, logicalID string) (*RoomRecord, error)
	AddParticipant(ctx context.Context, logicalID string, id domain.ParticipantID) error
	MyUserID(ctx context.Context) (domain.ParticipantID, error)
}
