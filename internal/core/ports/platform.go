package ports

import (
	"context"

	"callsession/internal/core/domain"
)

// Platform is the managed calling backend. Everything the orchestrator
// knows about signaling and transport goes through these interfaces.
type Platform interface {
	NewClient(ctx context.Context) (CallClient, error)
}

type CallClient interface {
	CreateCallAgent(ctx context.Context, cred domain.Credential, opts AgentOptions) (CallAgent, error)
	DeviceManager(ctx context.Context) (DeviceManager, error)
	Dispose() error
}

type AgentOptions struct {
	DisplayName string
}

// LocatorKind selects how a call target is addressed.
type LocatorKind int

const (
	LocatorGroup LocatorKind = iota
	LocatorParticipant
)

// Locator is what the agent dials: a room handle or a participant id.
type Locator struct {
	Kind LocatorKind
	ID   string
}

// CallOptions carries the local media a call starts with.
type CallOptions struct {
	LocalVideo []LocalVideoStream
}

type CallAgent interface {
	// Dial joins a group call or rings a participant.
	Dial(ctx context.Context, loc Locator, opts CallOptions) (PlatformCall, error)
	// IncomingCalls notifies about inbound calls until cancelled.
	IncomingCalls() (<-chan IncomingCall, func())
	Dispose() error
}

type IncomingCall interface {
	ID() string
	Caller() domain.ParticipantID
	Accept(ctx context.Context, opts CallOptions) (PlatformCall, error)
	Reject(ctx context.Context) error
}

// CallEventKind classifies CallEvent.
type CallEventKind int

const (
	CallStateChanged CallEventKind = iota
	CallParticipantsUpdated
)

type CallEvent struct {
	Kind CallEventKind

	// CallStateChanged
	State     domain.CallState
	EndReason *domain.EndReason

	// CallParticipantsUpdated
	Added   []RemoteParticipant
	Removed []RemoteParticipant
}

type PlatformCall interface {
	ID() string
	State() domain.CallState
	// Events delivers the call's events in emission order until cancelled.
	Events() (<-chan CallEvent, func())
	RemoteParticipants() []RemoteParticipant

	HangUp(ctx context.Context) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	IsMuted() bool
	StartVideo(ctx context.Context, stream LocalVideoStream) error
	StopVideo(ctx context.Context, stream LocalVideoStream) error
}

// ParticipantEventKind classifies ParticipantEvent.
type ParticipantEventKind int

const (
	ParticipantStateChanged ParticipantEventKind = iota
	ParticipantMuteChanged
	ParticipantStreamsUpdated
	ParticipantStreamAvailability
)

type ParticipantEvent struct {
	Kind ParticipantEventKind

	State   domain.ParticipantState
	Muted   bool
	Added   []RemoteVideoStream
	Removed []RemoteVideoStream
	Stream  RemoteVideoStream
}

type RemoteParticipant interface {
	ID() domain.ParticipantID
	DisplayName() string
	State() domain.ParticipantState
	IsMuted() bool
	VideoStreams() []RemoteVideoStream
	Events() (<-chan ParticipantEvent, func())
}

// VideoSource is anything a renderer can draw.
type VideoSource interface {
	StreamID() domain.StreamID
}

type RemoteVideoStream interface {
	VideoSource
	IsAvailable() bool
}
