package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/internal/infrastructure/platform/memory"
	"callsession/pkg/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// fakeCredentials hands out credentials and counts fetches. When gate is
// set, Fetch blocks until it is closed.
type fakeCredentials struct {
	mu      sync.Mutex
	calls   int
	err     error
	expires time.Time
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeCredentials) Fetch(ctx context.Context) (domain.Credential, error) {
	f.mu.Lock()
	f.calls++
	gate, entered, err, exp := f.gate, f.entered, f.err, f.expires
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Credential{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Credential{}, err
	}
	return domain.Credential{Token: "token", FetchedAt: time.Now(), ExpiresAt: exp}, nil
}

func (f *fakeCredentials) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCredentials) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeIdentity struct {
	id  domain.ParticipantID
	err error
}

func (f fakeIdentity) MyUserID(context.Context) (domain.ParticipantID, error) {
	return f.id, f.err
}

// fakeResolver answers with a fixed resolution per logical id.
type fakeResolver struct {
	mu       sync.Mutex
	degraded bool
	err      error
	resolved []string
}

func (f *fakeResolver) Resolve(_ context.Context, logicalID string) (domain.RoomResolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, logicalID)
	if f.err != nil {
		return domain.RoomResolution{}, f.err
	}
	res := domain.RoomResolution{
		Room:   domain.Room{LogicalID: logicalID, Handle: "handle-" + logicalID},
		Source: domain.SourceDirectory,
	}
	if f.degraded {
		res.Source = domain.SourceFallback
		res.Degraded = true
	}
	return res, nil
}

type recordingMetrics struct {
	ports.NopMetrics

	mu        sync.Mutex
	decisions []ports.InboundDecision
	started   []domain.CallKind
}

func (m *recordingMetrics) InboundDecision(d ports.InboundDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
}

func (m *recordingMetrics) CallStarted(k domain.CallKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, k)
}

func (m *recordingMetrics) Started() []domain.CallKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CallKind(nil), m.started...)
}

func (m *recordingMetrics) Decisions() []ports.InboundDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ports.InboundDecision(nil), m.decisions...)
}

// harness assembles a controller over the loopback platform.
type harness struct {
	backend   *memory.Backend
	devices   *memory.Devices
	perms     *memory.Permissions
	renderers *memory.RendererFactory
	creds     *fakeCredentials
	resolver  *fakeResolver
	metrics   *recordingMetrics

	session    *SessionAgent
	renderer   *MediaRenderer
	registry   *ParticipantRegistry
	controller *CallController
	lifecycle  *LifecycleManager
}

func newHarness(t *testing.T, opts ...func(*CallControllerConfig)) *harness {
	t.Helper()
	h := &harness{
		backend:   memory.NewBackend(),
		devices:   memory.NewDevices(ports.Camera{ID: "cam-0", Name: "Front"}),
		perms:     memory.NewPermissions(),
		renderers: memory.NewRendererFactory(),
		creds:     &fakeCredentials{},
		resolver:  &fakeResolver{},
		metrics:   &recordingMetrics{},
	}
	h.backend.Devices = h.devices

	log := nopLogger()
	cfg := DefaultCallControllerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	h.session = NewSessionAgent(h.backend.Platform(), h.creds, fakeIdentity{id: "8:acs:local-user"}, fastSessionConfig(), log)
	h.renderer = NewMediaRenderer(h.renderers, log)
	h.registry = NewParticipantRegistry(h.renderer, log)
	h.controller = NewCallController(h.session, h.resolver, h.perms, h.registry, h.renderer, h.metrics, cfg, log)
	h.lifecycle = NewLifecycleManager(h.controller, h.session, log)

	t.Cleanup(func() {
		_ = h.lifecycle.Teardown(context.Background())
		h.controller.Close()
	})
	return h
}

func fastSessionConfig() SessionAgentConfig {
	return SessionAgentConfig{DeviceManagerRetry: retry.LinearConfig(3, time.Millisecond)}
}

func (h *harness) waitState(t *testing.T, want domain.CallState) {
	t.Helper()
	require.Eventuallyf(t, func() bool {
		return h.controller.State() == want
	}, waitFor, tick, "state never became %s (is %s)", want, h.controller.State())
}

// collect drains ch in the background until it is closed.
func collect(ch <-chan domain.SessionEvent) func() []domain.SessionEvent {
	var mu sync.Mutex
	var got []domain.SessionEvent
	go func() {
		for ev := range ch {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	return func() []domain.SessionEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.SessionEvent(nil), got...)
	}
}

func stateTrail(evs []domain.SessionEvent) []domain.CallState {
	var out []domain.CallState
	for _, ev := range evs {
		if ev.Type == domain.EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

// dialedCall returns a loopback call that is not owned by any controller.
func dialedCall(t *testing.T, b *memory.Backend) *memory.Call {
	t.Helper()
	ctx := context.Background()
	client, err := b.Platform().NewClient(ctx)
	require.NoError(t, err)
	agent, err := client.CreateCallAgent(ctx, domain.Credential{Token: "t"}, ports.AgentOptions{})
	require.NoError(t, err)
	pc, err := agent.Dial(ctx, ports.Locator{Kind: ports.LocatorGroup, ID: "room"}, ports.CallOptions{})
	require.NoError(t, err)
	return pc.(*memory.Call)
}

type fakeSource domain.StreamID

func (s fakeSource) StreamID() domain.StreamID { return domain.StreamID(s) }
