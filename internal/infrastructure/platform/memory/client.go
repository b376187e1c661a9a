package memory

import (
	"context"
	"fmt"
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/pkg/events"
)

type Client struct {
	backend *Backend
	id      string

	mu       sync.Mutex
	disposed bool
}

func (c *Client) ID() string { return c.id }

func (c *Client) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Client) CreateCallAgent(ctx context.Context, cred domain.Credential, opts ports.AgentOptions) (ports.CallAgent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Disposed() {
		return nil, domain.ErrSessionDisposed
	}
	if cred.Token == "" {
		return nil, fmt.Errorf("call agent requires a token")
	}

	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailCreateAgent != nil {
		return nil, b.FailCreateAgent
	}
	a := &Agent{
		backend:     b,
		id:          b.nextID("agent"),
		token:       cred.Token,
		displayName: opts.DisplayName,
		incoming:    events.NewBufferedBus[ports.IncomingCall](16),
	}
	b.agents = append(b.agents, a)
	return a, nil
}

func (c *Client) DeviceManager(ctx context.Context) (ports.DeviceManager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.DeviceManagerFails > 0 {
		b.DeviceManagerFails--
		return nil, fmt.Errorf("device manager not ready")
	}
	if b.Devices != nil {
		return b.Devices, nil
	}
	return NewDevices(ports.Camera{ID: "cam-0", Name: "Loopback Camera"}), nil
}

func (c *Client) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	return nil
}

// Agent is a loopback call agent.
type Agent struct {
	backend     *Backend
	id          string
	token       string
	displayName string
	incoming    *events.Bus[ports.IncomingCall]

	mu       sync.Mutex
	disposed bool
}

func (a *Agent) ID() string          { return a.id }
func (a *Agent) Token() string       { return a.token }
func (a *Agent) DisplayName() string { return a.displayName }

func (a *Agent) isDisposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}

func (a *Agent) Disposed() bool { return a.isDisposed() }

// Subscribers reports how many inbound-call listeners are attached.
func (a *Agent) Subscribers() int { return a.incoming.Len() }

func (a *Agent) Dial(ctx context.Context, loc ports.Locator, opts ports.CallOptions) (ports.PlatformCall, error) {
	if a.isDisposed() {
		return nil, domain.ErrSessionDisposed
	}
	b := a.backend
	b.mu.Lock()
	hook, fail := b.BeforeDial, b.FailDial
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, loc); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil {
		return nil, fail
	}
	kind := domain.CallKindRoom
	if loc.Kind == ports.LocatorParticipant {
		kind = domain.CallKindDirect
	}
	return b.newCall(kind, loc, opts), nil
}

func (a *Agent) IncomingCalls() (<-chan ports.IncomingCall, func()) {
	return a.incoming.Subscribe()
}

func (a *Agent) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.disposed {
		a.disposed = true
		a.incoming.Close()
	}
	return nil
}
