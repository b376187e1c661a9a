package domain

// Room is a resolved rendezvous point.
type Room struct {
	LogicalID    string          `json:"logicalId"`
	Handle       string          `json:"handle"`
	Participants []ParticipantID `json:"participants,omitempty"`
}

// ResolutionSource records where a room handle came from.
type ResolutionSource string

const (
	SourceDirectory ResolutionSource = "directory" // existing room
	SourceCreated   ResolutionSource = "created"   // created on demand
	SourceCached    ResolutionSource = "cached"    // last known good handle
	SourceFallback  ResolutionSource = "fallback"  // freshly generated locally
)

// RoomResolution is the outcome of resolving a logical room id. Degraded
// resolutions carry the directory failure in Warning.
type RoomResolution struct {
	Room     Room
	Source   ResolutionSource
	Degraded bool
	Warning  error
}
