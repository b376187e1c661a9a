package ports

import (
	"context"
	"time"

	"callsession/internal/core/domain"
)

// CallOrchestrator is the surface exposed to transports (HTTP, CLI).
type CallOrchestrator interface {
	JoinRoom(ctx context.Context, logicalID string) error
	StartCall(ctx context.Context, targetID string) error
	EndCall(ctx context.Context)
	ToggleMute(ctx context.Context) (bool, error)
	ToggleCamera(ctx context.Context) (bool, error)
	Snapshot() domain.SessionSnapshot
	Subscribe() (<-chan domain.SessionEvent, func())
}

// InboundDecision is the outcome of inbound call arbitration.
type InboundDecision string

const (
	InboundAccepted     InboundDecision = "accepted"
	InboundPreempted    InboundDecision = "preempted"
	InboundRejected     InboundDecision = "rejected"
	InboundAcceptFailed InboundDecision = "accept_failed"
)

type CallMetrics interface {
	CallStarted(kind domain.CallKind)
	StateTransition(from, to domain.CallState)
	InboundDecision(d InboundDecision)
	DirectoryFallback(source domain.ResolutionSource)
	SetActiveCall(active bool)
	SetRemoteParticipants(n int)
	ObserveJoinLatency(kind domain.CallKind, d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) CallStarted(domain.CallKind)                        {}
func (NopMetrics) StateTransition(domain.CallState, domain.CallState) {}
func (NopMetrics) InboundDecision(InboundDecision)                    {}
func (NopMetrics) DirectoryFallback(domain.ResolutionSource)          {}
func (NopMetrics) SetActiveCall(bool)                                 {}
func (NopMetrics) SetRemoteParticipants(int)                          {}
func (NopMetrics) ObserveJoinLatency(domain.CallKind, time.Duration)  {}
