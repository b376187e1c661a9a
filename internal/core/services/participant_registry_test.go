package services

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/internal/infrastructure/platform/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryFixture struct {
	call      *memory.Call
	renderers *memory.RendererFactory
	surface   *memory.Surface
	registry  *ParticipantRegistry
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	f := &registryFixture{
		call:      dialedCall(t, memory.NewBackend()),
		renderers: memory.NewRendererFactory(),
		surface:   memory.NewSurface("remote"),
	}
	f.registry = NewParticipantRegistry(NewMediaRenderer(f.renderers, nopLogger()), nopLogger())
	t.Cleanup(func() { _ = f.registry.Reset() })
	return f
}

func (f *registryFixture) attached(t *testing.T, want domain.StreamID) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := f.registry.AttachedStream()
		return ok && got == want && len(f.surface.Mounted()) == 1
	}, waitFor, tick)
}

func TestRegistry_AttachesAvailableStream(t *testing.T) {
	f := newRegistryFixture(t)
	f.registry.SetRemoteSurface(f.surface)

	p := f.call.AddParticipant("p1", "Alice")
	p.AddStream("p1-video", true)
	f.registry.Add(p)

	f.attached(t, "p1-video")
	assert.True(t, f.registry.HasRemoteParticipant())
	assert.Equal(t, 1, f.registry.Count())
	assert.Equal(t, 1, f.renderers.Live())
}

func TestRegistry_DefersUntilSurfaceRegistered(t *testing.T) {
	f := newRegistryFixture(t)
	p := f.call.AddParticipant("p1", "Alice")
	p.AddStream("p1-video", true)
	f.registry.Add(p)

	assert.True(t, f.registry.HasRemoteParticipant())
	_, ok := f.registry.AttachedStream()
	assert.False(t, ok)
	assert.Equal(t, 0, f.renderers.Created())

	f.registry.SetRemoteSurface(f.surface)
	f.attached(t, "p1-video")
}

func TestRegistry_StreamBecomesAvailableLater(t *testing.T) {
	f := newRegistryFixture(t)
	f.registry.SetRemoteSurface(f.surface)

	p := f.call.AddParticipant("p1", "Alice")
	s := p.AddStream("p1-video", false)
	f.registry.Add(p)
	assert.False(t, f.registry.HasRemoteParticipant())

	s.SetAvailable(true)
	f.attached(t, "p1-video")
	assert.True(t, f.registry.HasRemoteParticipant())
}

func TestRegistry_UnavailableSwitchesToAnotherStream(t *testing.T) {
	f := newRegistryFixture(t)
	f.registry.SetRemoteSurface(f.surface)

	alice := f.call.AddParticipant("p1", "Alice")
	a := alice.AddStream("p1-video", true)
	bob := f.call.AddParticipant("p2", "Bob")
	bob.AddStream("p2-video", true)
	f.registry.Update([]ports.RemoteParticipant{alice, bob}, nil)
	f.attached(t, "p1-video")

	a.SetAvailable(false)
	f.attached(t, "p2-video")
	assert.Equal(t, 1, f.renderers.Live())
	assert.True(t, f.registry.HasRemoteParticipant())
}

func TestRegistry_LastStreamGoneClearsSignal(t *testing.T) {
	f := newRegistryFixture(t)
	f.registry.SetRemoteSurface(f.surface)

	p := f.call.AddParticipant("p1", "Alice")
	p.AddStream("p1-video", true)
	f.registry.Add(p)
	f.attached(t, "p1-video")

	p.RemoveStream("p1-video")
	require.Eventually(t, func() bool {
		return !f.registry.HasRemoteParticipant() && f.renderers.Live() == 0
	}, waitFor, tick)
	assert.Empty(t, f.surface.Mounted())
	assert.Equal(t, 1, f.registry.Count())
}

func TestRegistry_RemoveUnsubscribesAndDisposes(t *testing.T) {
	f := newRegistryFixture(t)
	f.registry.SetRemoteSurface(f.surface)

	p := f.call.AddParticipant("p1", "Alice")
	p.AddStream("p1-video", true)
	f.registry.Add(p)
	f.attached(t, "p1-video")
	require.Equal(t, 1, p.Subscribers())

	f.registry.Update(nil, []ports.RemoteParticipant{p})
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, p.Subscribers())
	assert.Equal(t, 0, f.renderers.Live())
	assert.False(t, f.registry.HasRemoteParticipant())
}

func TestRegistry_DisconnectedStateIsRemoval(t *testing.T) {
	f := newRegistryFixture(t)
	p := f.call.AddParticipant("p1", "Alice")
	f.registry.Add(p)
	require.Equal(t, 1, f.registry.Count())

	p.SetState(domain.ParticipantDisconnected)
	require.Eventually(t, func() bool { return f.registry.Count() == 0 }, waitFor, tick)
	assert.Equal(t, 0, p.Subscribers())
}

func TestRegistry_TracksMuteAndState(t *testing.T) {
	f := newRegistryFixture(t)
	p := f.call.AddParticipant("p1", "Alice")
	f.registry.Add(p)

	p.SetMuted(true)
	p.SetState(domain.ParticipantHold)
	require.Eventually(t, func() bool {
		got, err := f.registry.Participant("p1")
		return err == nil && got.Muted && got.State == domain.ParticipantHold
	}, waitFor, tick)

	_, err := f.registry.Participant("nobody")
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestRegistry_IgnoresDuplicatesAndDisconnected(t *testing.T) {
	f := newRegistryFixture(t)
	p := f.call.AddParticipant("p1", "Alice")
	f.registry.Add(p)
	f.registry.Add(p)
	assert.Equal(t, 1, p.Subscribers())

	gone := f.call.AddParticipant("p2", "Bob")
	gone.SetState(domain.ParticipantDisconnected)
	f.registry.Add(gone)
	assert.Equal(t, 1, f.registry.Count())
	assert.Equal(t, []domain.ParticipantID{"p1"}, ids(f.registry.Participants()))
}

func TestRegistry_LateAttachSelfDetaches(t *testing.T) {
	f := newRegistryFixture(t)
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	f.renderers.BeforeCreateView = func(ctx context.Context, src ports.VideoSource) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	f.registry.SetRemoteSurface(f.surface)

	p := f.call.AddParticipant("p1", "Alice")
	s := p.AddStream("p1-video", true)
	added := make(chan struct{})
	go func() {
		f.registry.Add(p)
		close(added)
	}()
	<-entered

	s.SetAvailable(false)
	require.Eventually(t, func() bool { return !f.registry.HasRemoteParticipant() }, waitFor, tick)
	close(release)
	<-added

	require.Eventually(t, func() bool { return f.renderers.Live() == 0 }, waitFor, tick)
	assert.Empty(t, f.surface.Mounted())
	_, ok := f.registry.AttachedStream()
	assert.False(t, ok)
}

func TestRegistry_ResetDisposesEverything(t *testing.T) {
	f := newRegistryFixture(t)
	f.registry.SetRemoteSurface(f.surface)
	var changes atomic.Int32
	f.registry.OnChange(func() { changes.Add(1) })

	p := f.call.AddParticipant("p1", "Alice")
	p.AddStream("p1-video", true)
	f.registry.Add(p)
	f.attached(t, "p1-video")

	require.NoError(t, f.registry.Reset())
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, 0, p.Subscribers())
	assert.Equal(t, 0, f.renderers.Live())
	assert.False(t, f.registry.HasRemoteParticipant())
	assert.GreaterOrEqual(t, changes.Load(), int32(2))
}

func ids(ps []domain.Participant) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

// registryModel mirrors what the registry should hold after a sequence of
// participant and stream changes.
type registryModel struct {
	p          *memory.Participant
	streams    map[domain.StreamID]*memory.RemoteStream
	registered bool
	gone       bool
}

func (m *registryModel) streamIDs() []domain.StreamID {
	ids := make([]domain.StreamID, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	// map order is random; keep the walk reproducible per seed
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestRegistry_SignalMatchesStreamsForRandomSequences(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1009} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			f := newRegistryFixture(t)
			f.registry.SetRemoteSurface(f.surface)
			rng := rand.New(rand.NewSource(seed))

			var models []*registryModel
			nextStream := 0
			pick := func(ok func(*registryModel) bool) *registryModel {
				var candidates []*registryModel
				for _, m := range models {
					if ok(m) {
						candidates = append(candidates, m)
					}
				}
				if len(candidates) == 0 {
					return nil
				}
				return candidates[rng.Intn(len(candidates))]
			}
			addStream := func(m *registryModel) string {
				nextStream++
				id := domain.StreamID(fmt.Sprintf("s%d", nextStream))
				m.streams[id] = m.p.AddStream(id, rng.Intn(2) == 0)
				return fmt.Sprintf("add stream %s to %s", id, m.p.ID())
			}
			expect := func() (bool, int) {
				has, count := false, 0
				for _, m := range models {
					if !m.registered {
						continue
					}
					count++
					for _, s := range m.streams {
						if s.IsAvailable() {
							has = true
						}
					}
				}
				return has, count
			}

			for step := 0; step < 150; step++ {
				var did string
				live := func(m *registryModel) bool { return !m.gone }
				switch op := rng.Intn(7); {
				case op == 0 || len(models) == 0:
					id := domain.ParticipantID(fmt.Sprintf("p%d", len(models)+1))
					m := &registryModel{p: f.call.AddParticipant(id, string(id)), streams: map[domain.StreamID]*memory.RemoteStream{}}
					for n := rng.Intn(3); n > 0; n-- {
						addStream(m)
					}
					models = append(models, m)
					f.registry.Add(m.p)
					m.registered = true
					did = "add " + string(id)
				case op == 1:
					m := pick(func(m *registryModel) bool { return !m.gone && !m.registered })
					if m == nil {
						continue
					}
					f.registry.Add(m.p)
					m.registered = true
					did = "re-add " + string(m.p.ID())
				case op == 2:
					m := pick(func(m *registryModel) bool { return m.registered })
					if m == nil {
						continue
					}
					f.registry.Remove(m.p.ID())
					m.registered = false
					did = "remove " + string(m.p.ID())
				case op == 3:
					m := pick(live)
					if m == nil {
						continue
					}
					did = addStream(m)
				case op == 4:
					m := pick(func(m *registryModel) bool { return !m.gone && len(m.streams) > 0 })
					if m == nil {
						continue
					}
					ids := m.streamIDs()
					id := ids[rng.Intn(len(ids))]
					m.p.RemoveStream(id)
					delete(m.streams, id)
					did = fmt.Sprintf("remove stream %s from %s", id, m.p.ID())
				case op == 5:
					m := pick(func(m *registryModel) bool { return !m.gone && len(m.streams) > 0 })
					if m == nil {
						continue
					}
					ids := m.streamIDs()
					s := m.streams[ids[rng.Intn(len(ids))]]
					s.SetAvailable(!s.IsAvailable())
					did = fmt.Sprintf("toggle %s of %s", s.StreamID(), m.p.ID())
				default:
					m := pick(live)
					if m == nil {
						continue
					}
					m.p.SetState(domain.ParticipantDisconnected)
					m.registered = false
					m.gone = true
					did = "disconnect " + string(m.p.ID())
				}

				wantHas, wantCount := expect()
				require.Eventuallyf(t, func() bool {
					return f.registry.HasRemoteParticipant() == wantHas && f.registry.Count() == wantCount
				}, waitFor, tick, "step %d (%s): want signal=%v count=%d, got signal=%v count=%d",
					step, did, wantHas, wantCount, f.registry.HasRemoteParticipant(), f.registry.Count())
			}

			if has, _ := expect(); has {
				require.Eventually(t, func() bool {
					_, ok := f.registry.AttachedStream()
					return ok
				}, waitFor, tick)
			}
			require.NoError(t, f.registry.Reset())
			assert.False(t, f.registry.HasRemoteParticipant())
			assert.Equal(t, 0, f.registry.Count())
		})
	}
}
