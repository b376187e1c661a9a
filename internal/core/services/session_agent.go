package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/retry"
	"callsession/pkg/tracing"
	"callsession/pkg/utils"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SessionState is the initialization state of a SessionAgent.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionInitializing
	SessionReady
)

func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// ErrSessionNotReady is returned by accessors used before Initialize
// succeeded.
var ErrSessionNotReady = errors.New("session not initialized")

// CredentialSource is satisfied by TokenProvider.
type CredentialSource interface {
	Fetch(ctx context.Context) (domain.Credential, error)
}

// IdentitySource resolves the caller's own participant id.
type IdentitySource interface {
	MyUserID(ctx context.Context) (domain.ParticipantID, error)
}

type SessionAgentConfig struct {
	DeviceManagerRetry retry.Config
}

func DefaultSessionAgentConfig() SessionAgentConfig {
	return SessionAgentConfig{DeviceManagerRetry: retry.LinearConfig(3, 500*time.Millisecond)}
}

// SessionAgent owns the platform client and call agent. It is created lazily
// on first use and at most once at a time.
type SessionAgent struct {
	platform ports.Platform
	tokens   CredentialSource
	identity IdentitySource
	cfg      SessionAgentConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	group singleflight.Group

	mu             sync.Mutex
	state          SessionState
	epoch          uint64
	client         ports.CallClient
	agent          ports.CallAgent
	cred           domain.Credential
	cancelIncoming func()
	onIncoming     func(ports.IncomingCall)
}

// NewSessionAgent builds an uninitialized session. identity may be nil.
func NewSessionAgent(platform ports.Platform, tokens CredentialSource, identity IdentitySource, cfg SessionAgentConfig, logger *zap.SugaredLogger) *SessionAgent {
	return &SessionAgent{
		platform: platform,
		tokens:   tokens,
		identity: identity,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// OnIncoming registers the inbound call handler. Calls are delivered one at
// a time from a single goroutine.
func (s *SessionAgent) OnIncoming(fn func(ports.IncomingCall)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIncoming = fn
}

func (s *SessionAgent) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether the session is ready with a valid credential.
func (s *SessionAgent) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *SessionAgent) readyLocked() bool {
	return s.state == SessionReady && s.cred.Valid(s.now())
}

// Initialize makes the session ready. It returns immediately when already
// ready; concurrent callers share a single attempt, which outlives any one
// caller giving up. A ready session whose credential expired is rebuilt
// with a refetched token.
func (s *SessionAgent) Initialize(ctx context.Context) error {
	s.mu.Lock()
	ready := s.readyLocked()
	s.mu.Unlock()
	if ready {
		return nil
	}

	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan("init", func() (interface{}, error) {
		return nil, s.initialize(shared)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SessionAgent) initialize(ctx context.Context) (err error) {
	ctx, span := tracing.TraceCallOperation(ctx, "initialize")
	defer span.End()
	defer func() { tracing.RecordError(ctx, err) }()

	s.mu.Lock()
	if s.readyLocked() {
		s.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	reinit := s.state == SessionReady
	client := s.client
	oldAgent, oldCancel := s.agent, s.cancelIncoming
	s.agent, s.cancelIncoming = nil, nil
	s.state = SessionInitializing
	s.mu.Unlock()

	if reinit {
		s.logger.Infow("credential expired, re-initializing session")
	}
	if oldCancel != nil {
		oldCancel()
	}
	if oldAgent != nil {
		if derr := oldAgent.Dispose(); derr != nil {
			s.logger.Warnw("failed to dispose stale call agent", "error", derr)
		}
	}

	var agent ports.CallAgent
	var cancel func()
	failed := func(cause error) error {
		s.mu.Lock()
		if client != nil && s.client == client {
			s.client = nil
		}
		if s.epoch == epoch {
			s.state = SessionUninitialized
			s.cred = domain.Credential{}
		}
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if agent != nil {
			_ = agent.Dispose()
		}
		if client != nil {
			_ = client.Dispose()
		}
		s.logger.Errorw("session initialization failed", "error", cause)
		return cause
	}

	cred, err := s.tokens.Fetch(ctx)
	if err != nil {
		return failed(err)
	}

	if client == nil {
		client, err = s.platform.NewClient(ctx)
		if err != nil {
			return failed(apperrors.NewPlatformError(err, "create client"))
		}
	}

	agent, err = client.CreateCallAgent(ctx, cred, ports.AgentOptions{DisplayName: s.displayName(ctx)})
	if err != nil {
		return failed(apperrors.NewPlatformError(err, "create call agent"))
	}

	var incoming <-chan ports.IncomingCall
	incoming, cancel = agent.IncomingCalls()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return failed(domain.ErrSessionDisposed)
	}
	s.client = client
	s.agent = agent
	s.cred = cred
	s.cancelIncoming = cancel
	s.state = SessionReady
	s.mu.Unlock()

	go s.dispatchIncoming(incoming)

	s.logger.Infow("session initialized", "expires_at", cred.ExpiresAt)
	return nil
}

func (s *SessionAgent) displayName(ctx context.Context) string {
	if s.identity == nil {
		return ""
	}
	id, err := s.identity.MyUserID(ctx)
	if err != nil {
		s.logger.Debugw("own participant id unavailable, agent has no display name", "error", err)
		return ""
	}
	return utils.DisplayName(string(id))
}

func (s *SessionAgent) dispatchIncoming(ch <-chan ports.IncomingCall) {
	for in := range ch {
		s.mu.Lock()
		handler := s.onIncoming
		s.mu.Unlock()

		if handler == nil {
			s.logger.Warnw("no inbound handler registered, rejecting", "caller", in.Caller())
			if err := in.Reject(context.Background()); err != nil {
				s.logger.Warnw("failed to reject inbound call", "error", err)
			}
			continue
		}
		handler(in)
	}
}

// Agent returns the ready call agent.
func (s *SessionAgent) Agent() (ports.CallAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionReady || s.agent == nil {
		return nil, ErrSessionNotReady
	}
	return s.agent, nil
}

// Credential returns the credential of the ready session.
func (s *SessionAgent) Credential() (domain.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.state == SessionReady
}

// DeviceManager fetches the client's device manager, retrying while the
// platform is still warming up.
func (s *SessionAgent) DeviceManager(ctx context.Context) (ports.DeviceManager, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, ErrSessionNotReady
	}

	dm, err := retry.RetryWithResult(ctx, s.cfg.DeviceManagerRetry, func() (ports.DeviceManager, error) {
		dm, err := client.DeviceManager(ctx)
		if err != nil {
			s.logger.Debugw("device manager not ready", "error", err)
		}
		return dm, err
	})
	if err != nil {
		return nil, fmt.Errorf("get device manager: %w", err)
	}
	return dm, nil
}

// DisposeAgent stops inbound notifications and disposes the call agent. The
// client is kept so a later Initialize can reuse it.
func (s *SessionAgent) DisposeAgent() error {
	s.mu.Lock()
	s.epoch++
	agent, cancel := s.agent, s.cancelIncoming
	s.agent, s.cancelIncoming = nil, nil
	s.cred = domain.Credential{}
	// a client without an agent is not usable; Initialize rebuilds the agent
	s.state = SessionUninitialized
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if agent == nil {
		return nil
	}
	return agent.Dispose()
}

// DisposeClient disposes the platform client.
func (s *SessionAgent) DisposeClient() error {
	s.mu.Lock()
	s.epoch++
	client := s.client
	s.client = nil
	s.state = SessionUninitialized
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Dispose()
}

// Dispose releases agent and client.
func (s *SessionAgent) Dispose() error {
	return multierr.Combine(s.DisposeAgent(), s.DisposeClient())
}
