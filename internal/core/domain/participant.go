package domain

type ParticipantID string
type StreamID string

// ParticipantState mirrors the platform's remote participant states.
type ParticipantState string

const (
	ParticipantIdle         ParticipantState = "Idle"
	ParticipantConnecting   ParticipantState = "Connecting"
	ParticipantRinging      ParticipantState = "Ringing"
	ParticipantConnected    ParticipantState = "Connected"
	ParticipantHold         ParticipantState = "Hold"
	ParticipantInLobby      ParticipantState = "InLobby"
	ParticipantDisconnected ParticipantState = "Disconnected"
)

// VideoStream is a remote video stream as tracked by the registry.
type VideoStream struct {
	ID        StreamID `json:"id"`
	Available bool     `json:"available"`
}

// Participant is a remote party of the active call.
type Participant struct {
	ID          ParticipantID    `json:"id"`
	DisplayName string           `json:"displayName,omitempty"`
	Muted       bool             `json:"muted"`
	State       ParticipantState `json:"state"`
	Streams     []VideoStream    `json:"streams"`
}

// HasAvailableStream reports whether any of the participant's video
// streams is currently renderable.
func (p Participant) HasAvailableStream() bool {
	for _, s := range p.Streams {
		if s.Available {
			return true
		}
	}
	return false
}
