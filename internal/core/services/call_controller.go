package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	apperrors "callsession/pkg/errors"
	"callsession/pkg/events"
	"callsession/pkg/tracing"

	"go.uber.org/zap"
)

// Session is what the controller needs from SessionAgent.
type Session interface {
	Initialize(ctx context.Context) error
	Initialized() bool
	Agent() (ports.CallAgent, error)
	DeviceManager(ctx context.Context) (ports.DeviceManager, error)
	OnIncoming(fn func(ports.IncomingCall))
}

// RoomResolver maps a logical room id to a platform room handle.
type RoomResolver interface {
	Resolve(ctx context.Context, logicalID string) (domain.RoomResolution, error)
}

type CallControllerConfig struct {
	// InboundPreemptsConnecting lets an inbound call replace an outbound
	// attempt that is still Connecting. Ringing attempts are always replaced.
	InboundPreemptsConnecting bool
	// InboundTimeout bounds accepting an inbound call. Zero means no bound.
	InboundTimeout time.Duration
}

func DefaultCallControllerConfig() CallControllerConfig {
	return CallControllerConfig{InboundPreemptsConnecting: true, InboundTimeout: 20 * time.Second}
}

// CallController drives the single call a session may hold.
type CallController struct {
	session  Session
	resolver RoomResolver
	perms    ports.CapturePermissions
	registry *ParticipantRegistry
	renderer *MediaRenderer
	metrics  ports.CallMetrics
	cfg      CallControllerConfig
	logger   *zap.SugaredLogger
	bus      *events.Bus[domain.SessionEvent]
	now      func() time.Time

	// afterCommit, when set, runs between storing a call and wiring it.
	afterCommit func()

	mu           sync.Mutex
	state        domain.CallState
	kind         domain.CallKind
	gen          uint64
	call         ports.PlatformCall
	cancelEvents func()
	local        ports.LocalVideoStream
	localBinding *Binding
	localSurface ports.Surface
	roomID       string
	roomHandle   string
	errMsg       string
	warning      string
	muted        bool
}

// NewCallController wires the controller into session (inbound calls) and
// registry (participant changes). perms may be nil when no capture probe
// is wanted.
func NewCallController(
	session Session,
	resolver RoomResolver,
	perms ports.CapturePermissions,
	registry *ParticipantRegistry,
	renderer *MediaRenderer,
	metrics ports.CallMetrics,
	cfg CallControllerConfig,
	logger *zap.SugaredLogger,
) *CallController {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	c := &CallController{
		session:  session,
		resolver: resolver,
		perms:    perms,
		registry: registry,
		renderer: renderer,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewBus[domain.SessionEvent](),
		now:      time.Now,
		state:    domain.StateIdle,
	}
	session.OnIncoming(c.HandleIncoming)
	registry.OnChange(c.participantsChanged)
	return c
}

var _ ports.CallOrchestrator = (*CallController)(nil)

// target is where an attempt dials, as produced by a locate step.
type target struct {
	locator ports.Locator
	handle  string
	warning error
}

type locateFunc func(ctx context.Context, id string) (target, error)

// JoinRoom joins the group call behind logicalID.
func (c *CallController) JoinRoom(ctx context.Context, logicalID string) error {
	logicalID = strings.TrimSpace(logicalID)
	if logicalID == "" {
		return c.reject(apperrors.NewInvalidInputError("Room ID is required"))
	}
	return c.establish(ctx, domain.CallKindRoom, logicalID, true, c.locateRoom)
}

// StartCall rings a single participant.
func (c *CallController) StartCall(ctx context.Context, targetID string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return c.reject(apperrors.NewInvalidInputError("Target ID is required"))
	}
	return c.establish(ctx, domain.CallKindDirect, targetID, false, locateParticipant)
}

func (c *CallController) locateRoom(ctx context.Context, logicalID string) (target, error) {
	res, err := c.resolver.Resolve(ctx, logicalID)
	if err != nil {
		return target{}, err
	}
	t := target{
		locator: ports.Locator{Kind: ports.LocatorGroup, ID: res.Room.Handle},
		handle:  res.Room.Handle,
	}
	if res.Degraded {
		t.warning = res.Warning
		if t.warning == nil {
			t.warning = apperrors.NewDirectoryUnavailableError(nil)
		}
	}
	return t, nil
}

func locateParticipant(_ context.Context, id string) (target, error) {
	return target{locator: ports.Locator{Kind: ports.LocatorParticipant, ID: id}}, nil
}

// establish is the shared outbound pipeline. Every step after a suspension
// point re-checks gen; a superseded attempt releases what it holds and
// returns ErrCodeCallSuperseded.
func (c *CallController) establish(ctx context.Context, kind domain.CallKind, id string, probe bool, locate locateFunc) (err error) {
	ctx, span := tracing.TraceCallOperation(ctx, string(kind), tracing.TargetIDKey.String(id))
	defer span.End()
	started := c.now()

	gen, err := c.reserve(kind, id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return c.reject(err)
	}
	defer func() {
		if err != nil {
			c.fail(gen, err)
			tracing.RecordError(ctx, err)
		}
	}()
	c.logger.Infow("establishing call", "kind", kind, "target", id)

	if probe && c.perms != nil {
		ps, perr := c.perms.Request(ctx, true, true)
		if perr != nil {
			return apperrors.NewMediaPermissionError(perr)
		}
		defer ps.Stop()
	}
	if c.superseded(gen) {
		return apperrors.NewCallSupersededError()
	}

	if err := c.session.Initialize(ctx); err != nil {
		return err
	}
	if c.superseded(gen) {
		return apperrors.NewCallSupersededError()
	}

	t, err := locate(ctx, id)
	if err != nil {
		return err
	}
	if !c.noteTarget(gen, t) {
		return apperrors.NewCallSupersededError()
	}

	local := c.acquireLocalVideo(ctx)
	if c.superseded(gen) {
		c.disposeLocal(local)
		return apperrors.NewCallSupersededError()
	}

	agent, err := c.session.Agent()
	if err != nil {
		c.disposeLocal(local)
		return apperrors.NewPlatformError(err, "join")
	}
	call, err := agent.Dial(ctx, t.locator, callOptions(local))
	if err != nil {
		c.disposeLocal(local)
		return apperrors.NewPlatformError(err, "join")
	}

	if !c.commit(gen, call, local) {
		c.abandon(ctx, call, local)
		return apperrors.NewCallSupersededError()
	}
	if !c.wire(gen, call) {
		// ended right after commit; EndCall already hung the call up
		return apperrors.NewCallSupersededError()
	}

	c.metrics.CallStarted(kind)
	c.metrics.ObserveJoinLatency(kind, c.now().Sub(started))
	tracing.AddSpanAttributes(ctx, tracing.RoomHandleKey.String(t.handle), tracing.DegradedKey.Bool(t.warning != nil))
	c.logger.Infow("call placed", "kind", kind, "target", id, "call_id", call.ID(), "room_handle", t.handle)
	return nil
}

func callOptions(local ports.LocalVideoStream) ports.CallOptions {
	if local == nil {
		return ports.CallOptions{}
	}
	return ports.CallOptions{LocalVideo: []ports.LocalVideoStream{local}}
}

// reserve moves a resting controller to Connecting and starts a new attempt.
func (c *CallController) reserve(kind domain.CallKind, id string) (uint64, error) {
	c.mu.Lock()
	if !c.state.IsRest() {
		state := c.state
		c.mu.Unlock()
		c.logger.Warnw("call already in progress", "state", state, "target", id)
		return 0, apperrors.NewCallInProgressError()
	}
	c.gen++
	gen := c.gen
	prev := c.state
	c.state = domain.StateConnecting
	c.kind = kind
	c.errMsg = ""
	c.warning = ""
	c.roomHandle = ""
	c.roomID = ""
	if kind == domain.CallKindRoom {
		c.roomID = id
	}
	ev := c.stateEventLocked(prev)
	c.mu.Unlock()

	c.metrics.StateTransition(prev, domain.StateConnecting)
	c.emit(ev)
	return gen, nil
}

// reject records err as the user visible error without touching the state.
func (c *CallController) reject(err error) error {
	c.mu.Lock()
	c.errMsg = apperrors.HumanMessage(err)
	ev := c.eventLocked(domain.EventError)
	ev.Message = c.errMsg
	c.mu.Unlock()
	c.emit(ev)
	return err
}

// fail returns a current attempt to rest with err as the error field.
func (c *CallController) fail(gen uint64, err error) {
	if apperrors.IsCode(err, apperrors.ErrCodeCallSuperseded) {
		return
	}
	c.mu.Lock()
	if c.gen != gen || c.call != nil {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = domain.StateDisconnected
	c.kind = ""
	c.roomID = ""
	c.roomHandle = ""
	c.errMsg = apperrors.HumanMessage(err)
	stateEv := c.stateEventLocked(prev)
	errEv := c.eventLocked(domain.EventError)
	errEv.Message = c.errMsg
	c.mu.Unlock()

	c.logger.Errorw("call attempt failed", "error", err)
	c.metrics.StateTransition(prev, domain.StateDisconnected)
	c.emit(stateEv)
	c.emit(errEv)
}

func (c *CallController) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

// noteTarget records the resolved handle and any degradation warning.
func (c *CallController) noteTarget(gen uint64, t target) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.roomHandle = t.handle
	var ev *domain.SessionEvent
	if t.warning != nil {
		c.warning = apperrors.HumanMessage(t.warning)
		w := c.eventLocked(domain.EventWarning)
		w.Message = c.warning
		ev = &w
	}
	c.mu.Unlock()

	if ev != nil {
		c.logger.Warnw("room resolution degraded", "room_id", ev.RoomID, "room_handle", t.handle, "warning", t.warning)
		c.emit(*ev)
	}
	return true
}

// commit stores the call if the attempt is still current.
func (c *CallController) commit(gen uint64, call ports.PlatformCall, local ports.LocalVideoStream) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.call = call
	c.local = local
	c.muted = call.IsMuted()
	surface := c.localSurface
	c.mu.Unlock()

	c.metrics.SetActiveCall(true)
	if local != nil && surface != nil {
		c.renderLocal(local, surface)
	}
	return true
}

// abandon hangs up a call produced by a superseded attempt.
func (c *CallController) abandon(ctx context.Context, call ports.PlatformCall, local ports.LocalVideoStream) {
	c.logger.Infow("attempt superseded, hanging up its call", "call_id", call.ID())
	if err := call.HangUp(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warnw("failed to hang up superseded call", "call_id", call.ID(), "error", err)
	}
	c.disposeLocal(local)
}

// wire subscribes to the call's events and seeds the registry with the
// participants already present. It reports false when the attempt was
// superseded in the meantime.
func (c *CallController) wire(gen uint64, call ports.PlatformCall) bool {
	if c.afterCommit != nil {
		c.afterCommit()
	}
	ch, cancel := call.Events()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cancel()
		return false
	}
	c.cancelEvents = cancel
	c.mu.Unlock()

	c.registry.Update(call.RemoteParticipants(), nil)
	if c.superseded(gen) {
		// ended while seeding
		_ = c.registry.Reset()
		return false
	}
	go c.consume(gen, ch)
	return true
}

func (c *CallController) consume(gen uint64, ch <-chan ports.CallEvent) {
	for ev := range ch {
		if c.superseded(gen) {
			return
		}
		switch ev.Kind {
		case ports.CallStateChanged:
			c.applyPlatformState(gen, ev.State, ev.EndReason)
		case ports.CallParticipantsUpdated:
			c.registry.Update(ev.Added, ev.Removed)
		}
	}
}

// applyPlatformState applies a state reported by the platform. Edges not in
// the transition table are logged and ignored.
func (c *CallController) applyPlatformState(gen uint64, to domain.CallState, reason *domain.EndReason) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	if !domain.CanTransition(from, to) {
		c.mu.Unlock()
		c.logger.Warnw("ignoring platform state change", "from", from, "to", to, "error", domain.ErrInvalidTransition)
		return
	}
	c.state = to
	var held heldMedia
	switch to {
	case domain.StateConnected:
		c.errMsg = ""
	case domain.StateDisconnected:
		c.errMsg = ""
		if reason != nil {
			c.errMsg = reason.Message()
		}
		c.gen++
		held = c.takeLocked()
		c.kind = ""
		c.roomID = ""
		c.roomHandle = ""
	}
	ev := c.stateEventLocked(from)
	if c.errMsg != "" {
		ev.Message = c.errMsg
	}
	c.mu.Unlock()

	c.logger.Infow("call state changed", "from", from, "to", to)
	c.metrics.StateTransition(from, to)
	c.emit(ev)
	if to == domain.StateDisconnected {
		held.release(c)
	}
}

// heldMedia is what a call owns at the moment it ends.
type heldMedia struct {
	call   ports.PlatformCall
	cancel func()
	local  ports.LocalVideoStream
}

func (c *CallController) takeLocked() heldMedia {
	h := heldMedia{call: c.call, cancel: c.cancelEvents, local: c.local}
	c.call = nil
	c.cancelEvents = nil
	c.local = nil
	c.localBinding = nil
	c.muted = false
	return h
}

// release tears down renderers, local stream and registry. Hang-up, if
// wanted, happens before.
func (h heldMedia) release(c *CallController) {
	if h.cancel != nil {
		h.cancel()
	}
	if err := c.renderer.DetachAll(); err != nil {
		c.logger.Warnw("failed to dispose renderers", "error", err)
	}
	c.disposeLocal(h.local)
	if err := c.registry.Reset(); err != nil {
		c.logger.Warnw("failed to reset participants", "error", err)
	}
	c.metrics.SetActiveCall(false)
	c.metrics.SetRemoteParticipants(0)
}

// EndCall hangs up whatever is held and supersedes any attempt in flight.
// Teardown always runs; hang-up failures are only logged.
func (c *CallController) EndCall(ctx context.Context) {
	ctx, span := tracing.TraceCallOperation(ctx, "end")
	defer span.End()

	c.mu.Lock()
	c.gen++
	prev := c.state
	held := c.takeLocked()
	var ev *domain.SessionEvent
	if !prev.IsRest() {
		c.state = domain.StateDisconnected
		c.kind = ""
		c.roomID = ""
		c.roomHandle = ""
		c.warning = ""
		e := c.stateEventLocked(prev)
		ev = &e
	}
	c.mu.Unlock()

	if ev != nil {
		c.metrics.StateTransition(prev, domain.StateDisconnected)
		c.emit(*ev)
	}
	if held.cancel != nil {
		held.cancel()
		held.cancel = nil
	}
	if held.call != nil {
		if err := held.call.HangUp(ctx); err != nil {
			tracing.RecordError(ctx, err)
			c.logger.Warnw("hang up failed", "call_id", held.call.ID(), "error", err)
		}
	}
	held.release(c)
	if ev != nil || held.call != nil {
		c.logger.Infow("call ended", "previous_state", prev)
	}
}

// ToggleMute flips the microphone of the active call.
func (c *CallController) ToggleMute(ctx context.Context) (bool, error) {
	c.mu.Lock()
	call, muted := c.call, c.muted
	c.mu.Unlock()
	if call == nil {
		return false, c.reject(apperrors.NewNoActiveCallError())
	}

	var err error
	if muted {
		err = call.Unmute(ctx)
	} else {
		err = call.Mute(ctx)
	}
	if err != nil {
		return muted, c.reject(apperrors.NewPlatformError(err, "mute"))
	}

	c.mu.Lock()
	if c.call != call {
		c.mu.Unlock()
		return false, c.reject(apperrors.NewNoActiveCallError())
	}
	c.muted = !muted
	ev := c.eventLocked(domain.EventMute)
	c.mu.Unlock()
	c.emit(ev)
	return !muted, nil
}

// ToggleCamera stops the local video when it is on, or starts a fresh
// camera stream when it is off.
func (c *CallController) ToggleCamera(ctx context.Context) (bool, error) {
	c.mu.Lock()
	call, local, binding := c.call, c.local, c.localBinding
	c.mu.Unlock()
	if call == nil {
		return false, c.reject(apperrors.NewNoActiveCallError())
	}

	if local != nil {
		if err := call.StopVideo(ctx, local); err != nil {
			return true, c.reject(apperrors.NewPlatformError(err, "stop video"))
		}
		c.mu.Lock()
		stale := c.call != call || c.local != local
		if !stale {
			c.local = nil
			c.localBinding = nil
		}
		ev := c.eventLocked(domain.EventCamera)
		c.mu.Unlock()
		if stale {
			return false, nil
		}
		if binding != nil {
			if err := c.renderer.DetachBinding(*binding); err != nil {
				c.logger.Warnw("failed to dispose local renderer", "error", err)
			}
		}
		c.disposeLocal(local)
		c.emit(ev)
		return false, nil
	}

	stream, err := c.openCamera(ctx)
	if err != nil {
		return false, c.reject(apperrors.NewPlatformError(err, "start video"))
	}
	if err := call.StartVideo(ctx, stream); err != nil {
		c.disposeLocal(stream)
		return false, c.reject(apperrors.NewPlatformError(err, "start video"))
	}

	c.mu.Lock()
	if c.call != call || c.local != nil {
		c.mu.Unlock()
		_ = call.StopVideo(context.WithoutCancel(ctx), stream)
		c.disposeLocal(stream)
		return false, c.reject(apperrors.NewNoActiveCallError())
	}
	c.local = stream
	surface := c.localSurface
	ev := c.eventLocked(domain.EventCamera)
	c.mu.Unlock()

	if surface != nil {
		c.renderLocal(stream, surface)
	}
	c.emit(ev)
	return true, nil
}

// SetLocalSurface registers the preview surface; the current local stream,
// if any, is rendered onto it.
func (c *CallController) SetLocalSurface(s ports.Surface) {
	c.mu.Lock()
	old, binding := c.localSurface, c.localBinding
	c.localSurface = s
	c.localBinding = nil
	local := c.local
	c.mu.Unlock()

	if binding != nil && old != nil {
		if err := c.renderer.DetachBinding(*binding); err != nil {
			c.logger.Warnw("failed to dispose local renderer", "error", err)
		}
	}
	if local != nil && s != nil {
		c.renderLocal(local, s)
	}
}

// SetRemoteSurface registers the surface remote video is drawn on.
func (c *CallController) SetRemoteSurface(s ports.Surface) {
	c.registry.SetRemoteSurface(s)
}

func (c *CallController) renderLocal(local ports.LocalVideoStream, surface ports.Surface) {
	b, err := c.renderer.Attach(context.Background(), local, surface)
	if err != nil {
		if !errors.Is(err, ErrAttachSuperseded) {
			c.logger.Warnw("failed to render local preview", "error", err)
		}
		return
	}
	c.mu.Lock()
	if c.local != local || c.localSurface != surface {
		c.mu.Unlock()
		_ = c.renderer.DetachBinding(b)
		return
	}
	c.localBinding = &b
	c.mu.Unlock()
}

// acquireLocalVideo opens the first camera. Failures degrade to audio only.
func (c *CallController) acquireLocalVideo(ctx context.Context) ports.LocalVideoStream {
	stream, err := c.openCamera(ctx)
	if err != nil {
		c.logger.Infow("continuing without local video", "reason", err)
		return nil
	}
	return stream
}

func (c *CallController) openCamera(ctx context.Context) (ports.LocalVideoStream, error) {
	dm, err := c.session.DeviceManager(ctx)
	if err != nil {
		return nil, err
	}
	cams, err := dm.Cameras(ctx)
	if err != nil {
		return nil, err
	}
	if len(cams) == 0 {
		return nil, domain.ErrNoCamera
	}
	return dm.CreateLocalVideoStream(ctx, cams[0])
}

func (c *CallController) disposeLocal(local ports.LocalVideoStream) {
	if local == nil {
		return
	}
	if err := local.Dispose(); err != nil {
		c.logger.Warnw("failed to dispose local video", "error", err)
	}
}

func (c *CallController) participantsChanged() {
	count := c.registry.Count()
	c.mu.Lock()
	ev := c.eventLocked(domain.EventParticipants)
	c.mu.Unlock()
	c.metrics.SetRemoteParticipants(count)
	c.emit(ev)
}

// State returns the current call state.
func (c *CallController) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CallController) Snapshot() domain.SessionSnapshot {
	c.mu.Lock()
	snap := domain.SessionSnapshot{
		State:      c.state,
		Kind:       c.kind,
		Active:     !c.state.IsRest(),
		RoomID:     c.roomID,
		RoomHandle: c.roomHandle,
		Muted:      c.muted,
		CameraOn:   c.local != nil,
		Error:      c.errMsg,
		Warning:    c.warning,
	}
	c.mu.Unlock()

	snap.Initialized = c.session.Initialized()
	snap.HasRemoteParticipant = c.registry.HasRemoteParticipant()
	snap.ParticipantCount = c.registry.Count()
	return snap
}

// Participants lists the remote participants of the active call.
func (c *CallController) Participants() []domain.Participant {
	return c.registry.Participants()
}

func (c *CallController) Subscribe() (<-chan domain.SessionEvent, func()) {
	return c.bus.Subscribe()
}

// Close ends event delivery to subscribers.
func (c *CallController) Close() {
	c.bus.Close()
}

func (c *CallController) eventLocked(t domain.EventType) domain.SessionEvent {
	return domain.SessionEvent{
		Type:     t,
		State:    c.state,
		RoomID:   c.roomID,
		Muted:    c.muted,
		CameraOn: c.local != nil,
	}
}

func (c *CallController) stateEventLocked(prev domain.CallState) domain.SessionEvent {
	ev := c.eventLocked(domain.EventState)
	ev.Previous = prev
	return ev
}

// emit stamps ev with the participant summary and publishes it.
func (c *CallController) emit(ev domain.SessionEvent) {
	ev.ParticipantCount = c.registry.Count()
	ev.HasRemoteParticipant = c.registry.HasRemoteParticipant()
	ev.At = c.now()
	c.bus.Publish(ev)
}
