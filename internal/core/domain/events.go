package domain

import "time"

// EventType classifies SessionEvent.
type EventType string

const (
	EventState        EventType = "state"
	EventParticipants EventType = "participants"
	EventWarning      EventType = "warning"
	EventError        EventType = "error"
	EventMute         EventType = "mute"
	EventCamera       EventType = "camera"
	EventInbound      EventType = "inbound"
)

// SessionEvent is published for every observable change of the session.
type SessionEvent struct {
	Type                 EventType `json:"type"`
	State                CallState `json:"state"`
	Previous             CallState `json:"previous,omitempty"`
	RoomID               string    `json:"roomId,omitempty"`
	Message              string    `json:"message,omitempty"`
	ParticipantCount     int       `json:"participantCount"`
	HasRemoteParticipant bool      `json:"hasRemoteParticipant"`
	Muted                bool      `json:"muted"`
	CameraOn             bool      `json:"cameraOn"`
	At                   time.Time `json:"at"`
}

// SessionSnapshot is a point-in-time view of the orchestrator.
type SessionSnapshot struct {
	Initialized          bool      `json:"initialized"`
	State                CallState `json:"state"`
	Kind                 CallKind  `json:"kind,omitempty"`
	Active               bool      `json:"active"`
	RoomID               string    `json:"roomId,omitempty"`
	RoomHandle           string    `json:"roomHandle,omitempty"`
	HasRemoteParticipant bool      `json:"hasRemoteParticipant"`
	ParticipantCount     int       `json:"participantCount"`
	Muted                bool      `json:"muted"`
	CameraOn             bool      `json:"cameraOn"`
	Error                string    `json:"error,omitempty"`
	Warning              string    `json:"warning,omitempty"`
}
