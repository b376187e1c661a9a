package memory

import (
	"context"
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/pkg/events"
)

// Call is a loopback call. Events emitted before the first subscriber are
// queued and replayed on subscription.
type Call struct {
	backend *Backend
	id      string
	kind    domain.CallKind
	locator ports.Locator

	mu         sync.Mutex
	state      domain.CallState
	muted      bool
	hungUp     int
	localVideo []ports.LocalVideoStream
	remotes    map[domain.ParticipantID]*Participant
	order      []domain.ParticipantID
	bus        *events.Bus[ports.CallEvent]
	pending    []ports.CallEvent
	subscribed bool
}

func (c *Call) ID() string             { return c.id }
func (c *Call) Kind() domain.CallKind  { return c.kind }
func (c *Call) Locator() ports.Locator { return c.locator }

func (c *Call) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Events() (<-chan ports.CallEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, cancel := c.bus.Subscribe()
	if !c.subscribed {
		c.subscribed = true
		for _, ev := range c.pending {
			c.applyLocked(ev)
			c.bus.Publish(ev)
		}
		c.pending = nil
	}
	return ch, cancel
}

// emit must be called with mu held.
func (c *Call) emit(ev ports.CallEvent) {
	if !c.subscribed {
		c.pending = append(c.pending, ev)
		return
	}
	c.applyLocked(ev)
	c.bus.Publish(ev)
}

func (c *Call) applyLocked(ev ports.CallEvent) {
	if ev.Kind == ports.CallStateChanged {
		c.state = ev.State
	}
}

// SetState drives the call to s as if the platform reported it.
func (c *Call) SetState(s domain.CallState, reason *domain.EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emit(ports.CallEvent{Kind: ports.CallStateChanged, State: s, EndReason: reason})
}

// AddParticipant makes a remote party join the call.
func (c *Call) AddParticipant(id domain.ParticipantID, displayName string) *Participant {
	p := newParticipant(id, displayName)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remotes[id] = p
	c.order = append(c.order, id)
	c.emit(ports.CallEvent{Kind: ports.CallParticipantsUpdated, Added: []ports.RemoteParticipant{p}})
	return p
}

// RemoveParticipant makes a remote party leave.
func (c *Call) RemoveParticipant(id domain.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.remotes[id]
	if !ok {
		return
	}
	delete(c.remotes, id)
	for i, pid := range c.order {
		if pid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.emit(ports.CallEvent{Kind: ports.CallParticipantsUpdated, Removed: []ports.RemoteParticipant{p}})
}

func (c *Call) RemoteParticipants() []ports.RemoteParticipant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.RemoteParticipant, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.remotes[id])
	}
	return out
}

func (c *Call) HangUp(context.Context) error {
	if err := c.backend.hangUpFailure(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungUp++
	if c.state != domain.StateDisconnected {
		// a queued Connected must not be replayed after the hang-up
		c.pending = nil
		c.emit(ports.CallEvent{Kind: ports.CallStateChanged, State: domain.StateDisconnected})
		c.state = domain.StateDisconnected
	}
	return nil
}

// HangUpCount reports how many times HangUp was invoked.
func (c *Call) HangUpCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hungUp
}

func (c *Call) Mute(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = true
	return nil
}

func (c *Call) Unmute(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = false
	return nil
}

func (c *Call) IsMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Call) StartVideo(_ context.Context, s ports.LocalVideoStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localVideo = append(c.localVideo, s)
	return nil
}

func (c *Call) StopVideo(_ context.Context, s ports.LocalVideoStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range c.localVideo {
		if v.StreamID() == s.StreamID() {
			c.localVideo = append(c.localVideo[:i], c.localVideo[i+1:]...)
			return nil
		}
	}
	return domain.ErrCallNotFound
}

// LocalVideo returns the local streams currently sent on the call.
func (c *Call) LocalVideo() []ports.LocalVideoStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.LocalVideoStream(nil), c.localVideo...)
}

func (b *Backend) hangUpFailure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.FailHangUp
}

// Incoming is a loopback inbound call offer.
type Incoming struct {
	backend *Backend
	id      string
	caller  domain.ParticipantID

	mu       sync.Mutex
	accepted *Call
	rejected bool
}

func (i *Incoming) ID() string                   { return i.id }
func (i *Incoming) Caller() domain.ParticipantID { return i.caller }

func (i *Incoming) Accept(ctx context.Context, opts ports.CallOptions) (ports.PlatformCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.backend.mu.Lock()
	fail := i.backend.FailAccept
	i.backend.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	call := i.backend.newCall(domain.CallKindInbound, ports.Locator{Kind: ports.LocatorParticipant, ID: string(i.caller)}, opts)
	i.mu.Lock()
	i.accepted = call
	i.mu.Unlock()
	return call, nil
}

func (i *Incoming) Reject(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rejected = true
	return ctx.Err()
}

// Accepted returns the call created by Accept, or nil.
func (i *Incoming) Accepted() *Call {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.accepted
}

func (i *Incoming) Rejected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rejected
}
