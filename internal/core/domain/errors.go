package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrNoCamera            = errors.New("no camera available")
	ErrSurfaceNotFound     = errors.New("render surface not registered")
	ErrInvalidTransition   = errors.New("invalid call state transition")
	ErrSessionDisposed     = errors.New("session disposed")
	ErrPermissionDenied    = errors.New("capture permission denied")
	ErrCallNotFound        = errors.New("call not found")
	ErrParticipantNotFound = errors.New("participant not found")
)
