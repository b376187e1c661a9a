package services

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CallEnder is the part of CallController teardown needs.
type CallEnder interface {
	EndCall(ctx context.Context)
}

// SessionDisposer is the part of SessionAgent teardown needs.
type SessionDisposer interface {
	DisposeAgent() error
	DisposeClient() error
}

// LifecycleManager releases everything the process holds on exit.
type LifecycleManager struct {
	calls   CallEnder
	session SessionDisposer
	logger  *zap.SugaredLogger
	onDone  []func() error
}

func NewLifecycleManager(calls CallEnder, session SessionDisposer, logger *zap.SugaredLogger) *LifecycleManager {
	return &LifecycleManager{calls: calls, session: session, logger: logger}
}

// AfterTeardown registers a cleanup run after the session is disposed, in
// registration order.
func (l *LifecycleManager) AfterTeardown(fn func() error) {
	l.onDone = append(l.onDone, fn)
}

// Teardown ends the call, then disposes the agent, then the client. Every
// step runs regardless of earlier failures. Safe to call more than once.
func (l *LifecycleManager) Teardown(ctx context.Context) error {
	l.logger.Infow("tearing down session")

	l.calls.EndCall(ctx)
	err := multierr.Combine(
		wrapStep("dispose call agent", l.session.DisposeAgent()),
		wrapStep("dispose client", l.session.DisposeClient()),
	)
	for _, fn := range l.onDone {
		err = multierr.Append(err, fn())
	}
	if err != nil {
		l.logger.Warnw("teardown finished with errors", "error", err)
	}
	return err
}

func wrapStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Run blocks until ctx is done and then tears down with a fresh context.
func (l *LifecycleManager) Run(ctx context.Context) error {
	<-ctx.Done()
	return l.Teardown(context.WithoutCancel(ctx))
}

// Guard runs fn. A panic tears the session down and is re-raised.
func (l *LifecycleManager) Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorw("panic, tearing down", "panic", r)
			_ = l.Teardown(context.Background())
			panic(r)
		}
	}()
	fn()
}
