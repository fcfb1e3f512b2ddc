package conference

import "encoding/json"

// Action discriminates the frames of the room signaling protocol.
type Action string

const (
	// ActionMessage carries an opaque payload to (client to server) or from
	// (server to client) a single participant.
	ActionMessage Action = "message"
	// ActionProperty announces a presence property of a participant.
	ActionProperty Action = "property"
	// ActionWelcome is the server's first frame on a new connection: the
	// current room roster.
	ActionWelcome Action = "welcome"
	// ActionJoined announces a participant entering the room.
	ActionJoined Action = "joined"
	// ActionLeft announces a participant leaving the room.
	ActionLeft Action = "left"
)

// Participant describes one room member as the server knows it.
type Participant struct {
	ID         string            `json:"id"`
	Features   []string          `json:"features,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasFeature reports whether the participant advertises a capability.
func (p Participant) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Frame is the single envelope of the room signaling protocol; which fields
// are meaningful depends on Action.
type Frame struct {
	Action Action `json:"action" validate:"required"`

	// From is stamped by the server on every relayed frame.
	From string `json:"from,omitempty"`
	// To addresses a message frame (client to server only).
	To string `json:"to,omitempty"`

	// Property frames.
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`

	// Message frames.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Roster frames.
	Participant  *Participant  `json:"participant,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}
