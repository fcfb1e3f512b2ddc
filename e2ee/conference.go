package e2ee

// Conference is the group-membership/transport collaborator the manager
// drives. It delivers opaque payloads between named participants and exposes
// the local participant's identity, the member list, per-participant
// capabilities and presence properties. Inbound traffic flows the other way:
// the transport calls Manager.HandleMessage, OnParticipantLeft, OnLocalLeft
// and OnPropertyChanged.
type Conference interface {
	// LocalID returns the local participant's identity.
	LocalID() string
	// Participants lists the remote participants currently in the session.
	Participants() []string
	// HasFeature reports whether a participant advertises a capability.
	HasFeature(participantID, feature string) bool
	// SendMessage delivers an opaque payload to one participant.
	SendMessage(payload []byte, participantID string) error
	// SetLocalProperty publishes a presence property of the local
	// participant to everyone in the session.
	SetLocalProperty(name, value string) error
}
