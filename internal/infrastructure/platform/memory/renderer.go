package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"callsession/internal/core/ports"
)

// RendererFactory creates loopback renderers and keeps count of live ones.
type RendererFactory struct {
	// BeforeCreateView runs before a view is produced; tests block here to
	// simulate slow view creation.
	BeforeCreateView func(ctx context.Context, src ports.VideoSource) error

	live    atomic.Int64
	created atomic.Int64
	seq     atomic.Int64
}

func NewRendererFactory() *RendererFactory { return &RendererFactory{} }

func (f *RendererFactory) NewRenderer(ctx context.Context, src ports.VideoSource) (ports.Renderer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.live.Add(1)
	f.created.Add(1)
	return &renderer{factory: f, src: src}, nil
}

// Live returns the number of renderers not yet disposed.
func (f *RendererFactory) Live() int { return int(f.live.Load()) }

// Created returns the number of renderers ever created.
func (f *RendererFactory) Created() int { return int(f.created.Load()) }

type renderer struct {
	factory  *RendererFactory
	src      ports.VideoSource
	disposed atomic.Bool
}

func (r *renderer) CreateView(ctx context.Context, opts ports.ViewOptions) (ports.View, error) {
	if hook := r.factory.BeforeCreateView; hook != nil {
		if err := hook(ctx, r.src); err != nil {
			return nil, err
		}
	}
	if r.disposed.Load() {
		return nil, fmt.Errorf("renderer disposed")
	}
	n := r.factory.seq.Add(1)
	return view{id: fmt.Sprintf("view-%s-%d", r.src.StreamID(), n)}, nil
}

func (r *renderer) Dispose() error {
	if r.disposed.CompareAndSwap(false, true) {
		r.factory.live.Add(-1)
	}
	return nil
}

type view struct{ id string }

func (v view) ID() string { return v.id }

// Surface is an in-memory display target.
type Surface struct {
	id string

	mu       sync.Mutex
	mounted  []string
	clears   int
	failNext error
}

func NewSurface(id string) *Surface { return &Surface{id: id} }

func (s *Surface) ID() string { return s.id }

func (s *Surface) Mount(v ports.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = append(s.mounted, v.ID())
	return nil
}

func (s *Surface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounted = nil
	s.clears++
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	return nil
}

// FailNextClear makes the next Clear report err after clearing.
func (s *Surface) FailNextClear(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Mounted returns the ids of views currently mounted.
func (s *Surface) Mounted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mounted...)
}

func (s *Surface) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}
