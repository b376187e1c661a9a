package services

import (
	"context"
	"errors"
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"

	"go.uber.org/zap"
)

type participantEntry struct {
	remote  ports.RemoteParticipant
	info    domain.Participant
	streams map[domain.StreamID]ports.RemoteVideoStream
	cancel  func()
}

func (e *participantEntry) setAvailable(id domain.StreamID, available bool) {
	for i := range e.info.Streams {
		if e.info.Streams[i].ID == id {
			e.info.Streams[i].Available = available
			return
		}
	}
	e.info.Streams = append(e.info.Streams, domain.VideoStream{ID: id, Available: available})
}

func (e *participantEntry) removeStream(id domain.StreamID) {
	delete(e.streams, id)
	for i := range e.info.Streams {
		if e.info.Streams[i].ID == id {
			e.info.Streams = append(e.info.Streams[:i], e.info.Streams[i+1:]...)
			return
		}
	}
}

// remoteAttachment is the stream shown on the remote surface. ready is false
// while the renderer is still being created.
type remoteAttachment struct {
	token       uint64
	participant domain.ParticipantID
	stream      domain.StreamID
	binding     Binding
	ready       bool
}

// ParticipantRegistry tracks the remote participants of the active call and
// keeps one of their available video streams on the remote surface.
type ParticipantRegistry struct {
	renderer *MediaRenderer
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	entries  map[domain.ParticipantID]*participantEntry
	order    []domain.ParticipantID
	surface  ports.Surface
	current  *remoteAttachment
	token    uint64
	onChange func()
}

func NewParticipantRegistry(renderer *MediaRenderer, logger *zap.SugaredLogger) *ParticipantRegistry {
	return &ParticipantRegistry{
		renderer: renderer,
		logger:   logger,
		entries:  make(map[domain.ParticipantID]*participantEntry),
	}
}

// OnChange registers a callback run after the participant set, a stream's
// availability or a mute flag changed. It is never called under the
// registry's lock.
func (r *ParticipantRegistry) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Update applies a participants-updated notification.
func (r *ParticipantRegistry) Update(added, removed []ports.RemoteParticipant) {
	for _, p := range removed {
		r.Remove(p.ID())
	}
	for _, p := range added {
		r.Add(p)
	}
}

// Add registers p and starts following its events. Participants already
// known, or already disconnected, are ignored.
func (r *ParticipantRegistry) Add(p ports.RemoteParticipant) {
	r.mu.Lock()
	_, known := r.entries[p.ID()]
	r.mu.Unlock()
	if known || p.State() == domain.ParticipantDisconnected {
		return
	}

	// subscribe before reading state so no change falls in between
	ch, cancel := p.Events()
	info := domain.Participant{
		ID:          p.ID(),
		DisplayName: p.DisplayName(),
		Muted:       p.IsMuted(),
		State:       p.State(),
	}
	streams := make(map[domain.StreamID]ports.RemoteVideoStream)
	for _, s := range p.VideoStreams() {
		streams[s.StreamID()] = s
		info.Streams = append(info.Streams, domain.VideoStream{ID: s.StreamID(), Available: s.IsAvailable()})
	}

	r.mu.Lock()
	if _, ok := r.entries[p.ID()]; ok {
		r.mu.Unlock()
		cancel()
		return
	}
	e := &participantEntry{remote: p, info: info, streams: streams, cancel: cancel}
	r.entries[p.ID()] = e
	r.order = append(r.order, p.ID())
	job := r.maybeAttachLocked()
	r.mu.Unlock()

	r.logger.Infow("remote participant added", "participant_id", p.ID(), "streams", len(streams))
	go r.consume(e, ch)

	r.run(job)
	r.notify()
}

// Remove forgets the participant and disposes its renderer.
func (r *ParticipantRegistry) Remove(id domain.ParticipantID) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.dropLocked(id)
	detach := r.releaseLocked(func(a *remoteAttachment) bool { return a.participant == id })
	job := r.maybeAttachLocked()
	r.mu.Unlock()

	e.cancel()
	r.logger.Infow("remote participant removed", "participant_id", id)

	r.run(detach)
	r.run(job)
	r.notify()
}

func (r *ParticipantRegistry) dropLocked(id domain.ParticipantID) {
	delete(r.entries, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *ParticipantRegistry) consume(e *participantEntry, ch <-chan ports.ParticipantEvent) {
	for ev := range ch {
		r.apply(e, ev)
	}
}

func (r *ParticipantRegistry) apply(e *participantEntry, ev ports.ParticipantEvent) {
	id := e.info.ID
	if ev.Kind == ports.ParticipantStateChanged && ev.State == domain.ParticipantDisconnected {
		r.mu.Lock()
		live := r.entries[id] == e
		r.mu.Unlock()
		if live {
			r.Remove(id)
		}
		return
	}

	var detach, job func()
	r.mu.Lock()
	if r.entries[id] != e {
		r.mu.Unlock()
		return
	}
	switch ev.Kind {
	case ports.ParticipantStateChanged:
		e.info.State = ev.State
	case ports.ParticipantMuteChanged:
		e.info.Muted = ev.Muted
	case ports.ParticipantStreamsUpdated:
		for _, s := range ev.Removed {
			e.removeStream(s.StreamID())
		}
		for _, s := range ev.Added {
			e.streams[s.StreamID()] = s
			e.setAvailable(s.StreamID(), s.IsAvailable())
		}
		detach = r.releaseLocked(func(a *remoteAttachment) bool {
			if a.participant != id {
				return false
			}
			s, ok := e.streams[a.stream]
			return !ok || !s.IsAvailable()
		})
		job = r.maybeAttachLocked()
	case ports.ParticipantStreamAvailability:
		if ev.Stream == nil {
			break
		}
		sid := ev.Stream.StreamID()
		available := ev.Stream.IsAvailable()
		e.streams[sid] = ev.Stream
		e.setAvailable(sid, available)
		if !available {
			detach = r.releaseLocked(func(a *remoteAttachment) bool {
				return a.participant == id && a.stream == sid
			})
		}
		job = r.maybeAttachLocked()
	}
	r.mu.Unlock()

	r.run(detach)
	r.run(job)
	r.notify()
}

// SetRemoteSurface registers the surface remote video is drawn on. Nil
// unregisters it. A stream that became available while no surface was
// registered is attached now.
func (r *ParticipantRegistry) SetRemoteSurface(s ports.Surface) {
	r.mu.Lock()
	if r.surface != nil && s != nil && r.surface.ID() == s.ID() {
		r.surface = s
		r.mu.Unlock()
		return
	}
	detach := r.releaseLocked(func(*remoteAttachment) bool { return true })
	r.surface = s
	job := r.maybeAttachLocked()
	r.mu.Unlock()

	r.run(detach)
	r.run(job)
}

// maybeAttachLocked picks the first available stream, in join order, when the
// surface is free. The returned job performs the attach and must run after
// the lock is released.
func (r *ParticipantRegistry) maybeAttachLocked() func() {
	if r.surface == nil || r.current != nil {
		return nil
	}
	for _, pid := range r.order {
		e := r.entries[pid]
		for _, vs := range e.info.Streams {
			if !vs.Available {
				continue
			}
			stream, ok := e.streams[vs.ID]
			if !ok {
				continue
			}
			r.token++
			a := &remoteAttachment{token: r.token, participant: pid, stream: vs.ID}
			r.current = a
			surface := r.surface
			return func() { r.attach(a, stream, surface) }
		}
	}
	return nil
}

func (r *ParticipantRegistry) attach(a *remoteAttachment, stream ports.RemoteVideoStream, surface ports.Surface) {
	b, err := r.renderer.Attach(context.Background(), stream, surface)

	r.mu.Lock()
	if r.current != a {
		r.mu.Unlock()
		// the stream went away while its view was being created
		if err == nil {
			if derr := r.renderer.DetachBinding(b); derr != nil {
				r.logger.Warnw("failed to dispose stale remote renderer", "error", derr)
			}
		}
		return
	}
	if err != nil {
		r.current = nil
		r.mu.Unlock()
		if !errors.Is(err, ErrAttachSuperseded) {
			r.logger.Warnw("failed to render remote stream",
				"participant_id", a.participant, "stream_id", a.stream, "error", err)
		}
		return
	}
	a.binding = b
	a.ready = true
	r.mu.Unlock()
	r.logger.Debugw("remote stream attached", "participant_id", a.participant, "stream_id", a.stream)
}

// releaseLocked clears the current attachment when match accepts it. The
// returned job disposes the renderer if it had already been created.
func (r *ParticipantRegistry) releaseLocked(match func(*remoteAttachment) bool) func() {
	a := r.current
	if a == nil || !match(a) {
		return nil
	}
	r.current = nil
	if !a.ready {
		return nil
	}
	return func() {
		if err := r.renderer.DetachBinding(a.binding); err != nil {
			r.logger.Warnw("failed to dispose remote renderer", "stream_id", a.stream, "error", err)
		}
	}
}

func (r *ParticipantRegistry) run(job func()) {
	if job != nil {
		job()
	}
}

func (r *ParticipantRegistry) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// HasRemoteParticipant is true iff some participant has an available stream.
func (r *ParticipantRegistry) HasRemoteParticipant() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.info.HasAvailableStream() {
			return true
		}
	}
	return false
}

func (r *ParticipantRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Participants returns copies in join order.
func (r *ParticipantRegistry) Participants() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		p := r.entries[id].info
		p.Streams = append([]domain.VideoStream(nil), p.Streams...)
		out = append(out, p)
	}
	return out
}

// Participant returns one participant by id.
func (r *ParticipantRegistry) Participant(id domain.ParticipantID) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	p := e.info
	p.Streams = append([]domain.VideoStream(nil), p.Streams...)
	return p, nil
}

// AttachedStream reports which stream is on the remote surface.
func (r *ParticipantRegistry) AttachedStream() (domain.StreamID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || !r.current.ready {
		return "", false
	}
	return r.current.stream, true
}

// Reset unsubscribes every participant and disposes the remote renderer. The
// registered surface is kept.
func (r *ParticipantRegistry) Reset() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[domain.ParticipantID]*participantEntry)
	r.order = nil
	a := r.current
	r.current = nil
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	var err error
	if a != nil && a.ready {
		err = r.renderer.DetachBinding(a.binding)
	}
	if len(entries) > 0 {
		r.notify()
	}
	return err
}
