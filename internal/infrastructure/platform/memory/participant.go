package memory

import (
	"sync"

	"callsession/internal/core/domain"
	"callsession/internal/core/ports"
	"callsession/pkg/events"
)

// Participant is a scripted remote party.
type Participant struct {
	id          domain.ParticipantID
	displayName string

	mu         sync.Mutex
	state      domain.ParticipantState
	muted      bool
	streams    []*RemoteStream
	bus        *events.Bus[ports.ParticipantEvent]
	subscribed bool
}

func newParticipant(id domain.ParticipantID, displayName string) *Participant {
	return &Participant{
		id:          id,
		displayName: displayName,
		state:       domain.ParticipantConnected,
		bus:         events.NewBufferedBus[ports.ParticipantEvent](eventBuffer),
	}
}

func (p *Participant) ID() domain.ParticipantID { return p.id }
func (p *Participant) DisplayName() string      { return p.displayName }

func (p *Participant) State() domain.ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Participant) IsMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *Participant) VideoStreams() []ports.RemoteVideoStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ports.RemoteVideoStream, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s)
	}
	return out
}

func (p *Participant) Events() (<-chan ports.ParticipantEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = true
	return p.bus.Subscribe()
}

// Subscribers reports how many listeners are attached.
func (p *Participant) Subscribers() int { return p.bus.Len() }

// emit must be called with mu held. Events raised before anyone listens
// are dropped: a new listener reads current state from the accessors.
func (p *Participant) emit(ev ports.ParticipantEvent) {
	if !p.subscribed {
		return
	}
	p.bus.Publish(ev)
}

func (p *Participant) SetMuted(m bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = m
	p.emit(ports.ParticipantEvent{Kind: ports.ParticipantMuteChanged, Muted: m})
}

func (p *Participant) SetState(s domain.ParticipantState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	p.emit(ports.ParticipantEvent{Kind: ports.ParticipantStateChanged, State: s})
}

// AddStream publishes a new video stream for the participant.
func (p *Participant) AddStream(id domain.StreamID, available bool) *RemoteStream {
	s := &RemoteStream{owner: p, id: id, available: available}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s)
	p.emit(ports.ParticipantEvent{Kind: ports.ParticipantStreamsUpdated, Added: []ports.RemoteVideoStream{s}})
	return s
}

// RemoveStream withdraws a video stream.
func (p *Participant) RemoveStream(id domain.StreamID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.streams {
		if s.id == id {
			p.streams = append(p.streams[:i], p.streams[i+1:]...)
			p.emit(ports.ParticipantEvent{Kind: ports.ParticipantStreamsUpdated, Removed: []ports.RemoteVideoStream{s}})
			return
		}
	}
}

// RemoteStream is a remote video stream whose availability the host toggles.
type RemoteStream struct {
	owner *Participant
	id    domain.StreamID

	mu        sync.Mutex
	available bool
}

func (s *RemoteStream) StreamID() domain.StreamID { return s.id }

func (s *RemoteStream) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SetAvailable flips availability and notifies the owner's listeners.
func (s *RemoteStream) SetAvailable(v bool) {
	s.mu.Lock()
	s.available = v
	s.mu.Unlock()

	p := s.owner
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emit(ports.ParticipantEvent{Kind: ports.ParticipantStreamAvailability, Stream: s})
}
