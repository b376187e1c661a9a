package services

import (
	"context"
	"errors"
	"testing"

	"callsession/internal/core/ports"
	"callsession/internal/infrastructure/platform/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaRenderer_AttachReplacesPrevious(t *testing.T) {
	factory := memory.NewRendererFactory()
	m := NewMediaRenderer(factory, nopLogger())
	surface := memory.NewSurface("remote")

	first, err := m.Attach(context.Background(), fakeSource("s1"), surface)
	require.NoError(t, err)
	second, err := m.Attach(context.Background(), fakeSource("s2"), surface)
	require.NoError(t, err)

	assert.Equal(t, 1, factory.Live())
	assert.Equal(t, []string{second.ViewID}, surface.Mounted())
	assert.NotEqual(t, first.ViewID, second.ViewID)
	require.Len(t, m.Bindings(), 1)
	assert.Equal(t, "s2", string(m.Bindings()[0].StreamID))
}

func TestMediaRenderer_DetachIsNoOpWhenEmpty(t *testing.T) {
	m := NewMediaRenderer(memory.NewRendererFactory(), nopLogger())
	surface := memory.NewSurface("local")

	assert.NoError(t, m.Detach(surface))
	assert.NoError(t, m.Detach(nil))
	assert.Equal(t, 0, surface.Clears())
}

func TestMediaRenderer_Detach(t *testing.T) {
	factory := memory.NewRendererFactory()
	m := NewMediaRenderer(factory, nopLogger())
	surface := memory.NewSurface("local")

	_, err := m.Attach(context.Background(), fakeSource("cam"), surface)
	require.NoError(t, err)
	require.NoError(t, m.Detach(surface))

	assert.Equal(t, 0, factory.Live())
	assert.Empty(t, surface.Mounted())
	_, attached := m.Attached("local")
	assert.False(t, attached)
}

func TestMediaRenderer_DetachAllAttemptsEverySurface(t *testing.T) {
	factory := memory.NewRendererFactory()
	m := NewMediaRenderer(factory, nopLogger())
	a := memory.NewSurface("a")
	b := memory.NewSurface("b")
	boom := errors.New("surface gone")

	for _, s := range []*memory.Surface{a, b} {
		_, err := m.Attach(context.Background(), fakeSource(s.ID()), s)
		require.NoError(t, err)
	}
	a.FailNextClear(boom)

	err := m.DetachAll()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, factory.Live())
	assert.Empty(t, a.Mounted())
	assert.Empty(t, b.Mounted())
	assert.Empty(t, m.Bindings())
}

func TestMediaRenderer_LateAttachLoses(t *testing.T) {
	factory := memory.NewRendererFactory()
	entered := make(chan struct{})
	release := make(chan struct{})
	factory.BeforeCreateView = func(ctx context.Context, src ports.VideoSource) error {
		close(entered)
		<-release
		return nil
	}
	m := NewMediaRenderer(factory, nopLogger())
	surface := memory.NewSurface("remote")

	errc := make(chan error, 1)
	go func() {
		_, err := m.Attach(context.Background(), fakeSource("slow"), surface)
		errc <- err
	}()
	<-entered
	require.NoError(t, m.Detach(surface))
	close(release)

	assert.ErrorIs(t, <-errc, ErrAttachSuperseded)
	assert.Equal(t, 0, factory.Live())
	assert.Empty(t, surface.Mounted())
}

func TestMediaRenderer_DetachBindingIgnoresStale(t *testing.T) {
	factory := memory.NewRendererFactory()
	m := NewMediaRenderer(factory, nopLogger())
	surface := memory.NewSurface("remote")

	old, err := m.Attach(context.Background(), fakeSource("s1"), surface)
	require.NoError(t, err)
	_, err = m.Attach(context.Background(), fakeSource("s2"), surface)
	require.NoError(t, err)

	require.NoError(t, m.DetachBinding(old))
	assert.Equal(t, 1, factory.Live())
	assert.Len(t, surface.Mounted(), 1)
}
