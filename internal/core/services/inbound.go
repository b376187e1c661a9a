package services

import (
	"context"
	"fmt"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/tracing"
)

// arbitrate decides what to do with an inbound call given the current state.
func arbitrate(state domain.CallState, preemptConnecting bool) ports.InboundDecision {
	switch {
	case state.IsEstablished():
		return ports.InboundRejected
	case state == domain.StateRinging:
		return ports.InboundPreempted
	case state == domain.StateConnecting:
		if preemptConnecting {
			return ports.InboundPreempted
		}
		return ports.InboundRejected
	default:
		return ports.InboundAccepted
	}
}

// HandleIncoming arbitrates an inbound call: an established call wins, an
// outbound attempt still being set up loses, and a resting controller
// accepts. Accept failures are logged and leave the controller at rest.
func (c *CallController) HandleIncoming(in ports.IncomingCall) {
	ctx := context.Background()
	if c.cfg.InboundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InboundTimeout)
		defer cancel()
	}
	ctx, span := tracing.TraceCallOperation(ctx, "inbound", tracing.ParticipantIDKey.String(string(in.Caller())))
	defer span.End()

	decision := arbitrate(c.State(), c.cfg.InboundPreemptsConnecting)
	c.logger.Infow("inbound call", "caller", in.Caller(), "decision", decision)

	switch decision {
	case ports.InboundRejected:
		c.rejectIncoming(ctx, in)
		return
	case ports.InboundPreempted:
		c.EndCall(ctx)
	}

	if err := c.acceptIncoming(ctx, in); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeCallInProgress) {
			// something else took the slot while we were deciding
			c.rejectIncoming(ctx, in)
			return
		}
		tracing.RecordError(ctx, err)
		c.metrics.InboundDecision(ports.InboundAcceptFailed)
		return
	}
	c.metrics.InboundDecision(decision)
}

func (c *CallController) rejectIncoming(ctx context.Context, in ports.IncomingCall) {
	c.metrics.InboundDecision(ports.InboundRejected)
	if err := in.Reject(ctx); err != nil {
		c.logger.Warnw("failed to reject inbound call", "caller", in.Caller(), "error", err)
	}
	c.mu.Lock()
	ev := c.eventLocked(domain.EventInbound)
	c.mu.Unlock()
	ev.Message = fmt.Sprintf("Rejected incoming call from %s", in.Caller())
	c.emit(ev)
}

func (c *CallController) acceptIncoming(ctx context.Context, in ports.IncomingCall) (err error) {
	gen, err := c.reserve(domain.CallKindInbound, string(in.Caller()))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.fail(gen, err)
		}
	}()

	local := c.acquireLocalVideo(ctx)
	if c.superseded(gen) {
		c.disposeLocal(local)
		return apperrors.NewCallSupersededError()
	}

	call, err := in.Accept(ctx, callOptions(local))
	if err != nil {
		c.disposeLocal(local)
		failed := apperrors.NewPlatformError(err, "accept")
		failed.Message = fmt.Sprintf("Failed to accept call: %v", err)
		return failed
	}
	if !c.commit(gen, call, local) {
		c.abandon(ctx, call, local)
		return apperrors.NewCallSupersededError()
	}
	if !c.wire(gen, call) {
		return apperrors.NewCallSupersededError()
	}

	c.metrics.CallStarted(domain.CallKindInbound)
	c.logger.Infow("inbound call accepted", "caller", in.Caller(), "call_id", call.ID())
	return nil
}
