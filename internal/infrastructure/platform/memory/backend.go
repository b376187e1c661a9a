// Package memory is a loopback calling platform. It keeps every call in
// process and lets the host (tests, the CLI loopback mode) drive remote
// activity explicitly.
package memory

import (
	"context"
	"fmt"
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/pkg/events"
)

// eventBuffer is generous because the loopback never has a slow network to
// blame for dropped events.
const eventBuffer = 1024

// Backend is the shared loopback "cloud". Knobs may be set before use or
// between operations; they are read under the backend lock.
type Backend struct {
	mu sync.Mutex

	// AutoConnect makes dialed and accepted calls report Connected as soon
	// as someone listens to their events.
	AutoConnect bool
	// Devices backs every client's device manager. Nil uses a single fake
	// camera.
	Devices ports.DeviceManager

	FailNewClient      error
	FailCreateAgent    error
	FailDial           error
	FailAccept         error
	FailHangUp         error
	DeviceManagerFails int // number of DeviceManager calls to fail first

	// BeforeDial runs outside the lock before a dial completes; tests use it
	// to park a join mid-flight.
	BeforeDial func(ctx context.Context, loc ports.Locator) error

	clients []*Client
	agents  []*Agent
	calls   []*Call
	seq     int
}

func NewBackend() *Backend {
	return &Backend{AutoConnect: true}
}

// Platform returns the ports.Platform view of the backend.
func (b *Backend) Platform() ports.Platform {
	return platform{b}
}

type platform struct{ b *Backend }

func (p platform) NewClient(ctx context.Context) (ports.CallClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailNewClient != nil {
		return nil, b.FailNewClient
	}
	c := &Client{backend: b, id: b.nextID("client")}
	b.clients = append(b.clients, c)
	return c, nil
}

// nextID must be called with mu held.
func (b *Backend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

// Ring delivers an inbound call from caller to the most recent live agent.
func (b *Backend) Ring(caller domain.ParticipantID) (*Incoming, error) {
	b.mu.Lock()
	var target *Agent
	for i := len(b.agents) - 1; i >= 0; i-- {
		if !b.agents[i].isDisposed() {
			target = b.agents[i]
			break
		}
	}
	if target == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("no live call agent to ring")
	}
	in := &Incoming{backend: b, id: b.nextID("incoming"), caller: caller}
	b.mu.Unlock()

	target.incoming.Publish(in)
	return in, nil
}

// Calls returns every call created so far, oldest first.
func (b *Backend) Calls() []*Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Call(nil), b.calls...)
}

// LastCall returns the newest call or nil.
func (b *Backend) LastCall() *Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return nil
	}
	return b.calls[len(b.calls)-1]
}

func (b *Backend) Clients() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Client(nil), b.clients...)
}

func (b *Backend) Agents() []*Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Agent(nil), b.agents...)
}

func (b *Backend) newCall(kind domain.CallKind, loc ports.Locator, opts ports.CallOptions) *Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &Call{
		backend: b,
		id:      b.nextID("call"),
		kind:    kind,
		locator: loc,
		state:   domain.StateConnecting,
		bus:     events.NewBufferedBus[ports.CallEvent](eventBuffer),
		remotes: make(map[domain.ParticipantID]*Participant),
	}
	c.localVideo = append(c.localVideo, opts.LocalVideo...)
	if b.AutoConnect {
		c.pending = append(c.pending, ports.CallEvent{Kind: ports.CallStateChanged, State: domain.StateConnected})
	}
	b.calls = append(b.calls, c)
	return c
}
