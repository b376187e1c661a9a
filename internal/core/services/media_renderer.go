package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrAttachSuperseded is returned by Attach when a later Attach or Detach
// on the same surface overtook it while the view was being created.
var ErrAttachSuperseded = errors.New("attach superseded")

// DefaultViewOptions crops video to fill the surface.
var DefaultViewOptions = ports.ViewOptions{ScalingMode: "Crop"}

// Binding identifies one mounted renderer.
type Binding struct {
	seq       uint64
	SurfaceID string
	StreamID  domain.StreamID
	ViewID    string
}

type binding struct {
	Binding
	surface  ports.Surface
	renderer ports.Renderer
}

// MediaRenderer keeps at most one renderer per surface.
type MediaRenderer struct {
	factory ports.RendererFactory
	opts    ports.ViewOptions
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	seq       uint64
	bySurface map[string]*binding
	latest    map[string]uint64 // newest operation per surface
}

func NewMediaRenderer(factory ports.RendererFactory, logger *zap.SugaredLogger) *MediaRenderer {
	return &MediaRenderer{
		factory:   factory,
		opts:      DefaultViewOptions,
		logger:    logger,
		bySurface: make(map[string]*binding),
		latest:    make(map[string]uint64),
	}
}

// Attach renders src onto surface, disposing whatever the surface showed
// before.
func (m *MediaRenderer) Attach(ctx context.Context, src ports.VideoSource, surface ports.Surface) (Binding, error) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.latest[surface.ID()] = seq
	prev := m.bySurface[surface.ID()]
	delete(m.bySurface, surface.ID())
	m.mu.Unlock()

	if prev != nil {
		if err := m.release(prev); err != nil {
			m.logger.Warnw("failed to dispose previous renderer", "surface", surface.ID(), "error", err)
		}
	}

	r, err := m.factory.NewRenderer(ctx, src)
	if err != nil {
		return Binding{}, fmt.Errorf("create renderer: %w", err)
	}
	view, err := r.CreateView(ctx, m.opts)
	if err != nil {
		return Binding{}, multierr.Append(fmt.Errorf("create view: %w", err), r.Dispose())
	}

	b := &binding{
		Binding: Binding{
			seq:       seq,
			SurfaceID: surface.ID(),
			StreamID:  src.StreamID(),
			ViewID:    view.ID(),
		},
		surface:  surface,
		renderer: r,
	}

	m.mu.Lock()
	if m.latest[surface.ID()] != seq {
		m.mu.Unlock()
		if derr := r.Dispose(); derr != nil {
			m.logger.Warnw("failed to dispose superseded renderer", "error", derr)
		}
		return Binding{}, ErrAttachSuperseded
	}
	m.bySurface[surface.ID()] = b
	m.mu.Unlock()

	if err := surface.Mount(view); err != nil {
		_ = m.DetachBinding(b.Binding)
		return Binding{}, fmt.Errorf("mount view: %w", err)
	}
	return b.Binding, nil
}

// Detach clears surface and disposes its renderer. Pending attaches for the
// surface are cancelled. A surface with nothing attached is a no-op.
func (m *MediaRenderer) Detach(surface ports.Surface) error {
	if surface == nil {
		return nil
	}
	m.mu.Lock()
	m.seq++
	m.latest[surface.ID()] = m.seq
	b := m.bySurface[surface.ID()]
	delete(m.bySurface, surface.ID())
	m.mu.Unlock()

	if b == nil {
		return nil
	}
	return m.release(b)
}

// DetachBinding detaches only if the surface still shows that binding.
func (m *MediaRenderer) DetachBinding(target Binding) error {
	m.mu.Lock()
	b := m.bySurface[target.SurfaceID]
	if b == nil || b.seq != target.seq {
		m.mu.Unlock()
		return nil
	}
	delete(m.bySurface, target.SurfaceID)
	m.mu.Unlock()
	return m.release(b)
}

// DetachAll releases every renderer. Each disposal is attempted; errors are
// combined.
func (m *MediaRenderer) DetachAll() error {
	m.mu.Lock()
	all := make([]*binding, 0, len(m.bySurface))
	for id, b := range m.bySurface {
		all = append(all, b)
		delete(m.bySurface, id)
		m.seq++
		m.latest[id] = m.seq
	}
	// pending attaches on surfaces without a binding must lose too
	for id := range m.latest {
		m.seq++
		m.latest[id] = m.seq
	}
	m.mu.Unlock()

	var err error
	for _, b := range all {
		err = multierr.Append(err, m.release(b))
	}
	return err
}

// Bindings lists mounted renderers.
func (m *MediaRenderer) Bindings() []ports.SurfaceView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.SurfaceView, 0, len(m.bySurface))
	for _, b := range m.bySurface {
		out = append(out, ports.SurfaceView{SurfaceID: b.SurfaceID, StreamID: b.StreamID, ViewID: b.ViewID})
	}
	return out
}

// Attached reports whether surfaceID currently shows a view.
func (m *MediaRenderer) Attached(surfaceID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bySurface[surfaceID]
	if !ok {
		return Binding{}, false
	}
	return b.Binding, true
}

func (m *MediaRenderer) release(b *binding) error {
	return multierr.Combine(b.surface.Clear(), b.renderer.Dispose())
}
