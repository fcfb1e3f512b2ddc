package e2ee

import (
	"conference-e2ee/protocol/sas"
)

// EventKind discriminates the notifications the manager emits upward.
type EventKind string

const (
	// EventChannelReady: the hybrid handshake with PeerID completed.
	EventChannelReady EventKind = "channel-ready"
	// EventKeyUpdated: a peer's media key changed; Key/Index are set.
	EventKeyUpdated EventKind = "key-updated"
	// EventSasReady: both ephemeral keys are exchanged; Sas holds the codes
	// to display.
	EventSasReady EventKind = "sas-ready"
	// EventVerificationCompleted: a SAS verification finished; Success and,
	// on failure, ErrorKind are set.
	EventVerificationCompleted EventKind = "verification-completed"
)

// SasCodes is the human-comparable rendering of the 6 SAS bytes.
type SasCodes struct {
	Decimal [3]int
	Emoji   [7]sas.Glyph
}

// Event is one upward notification. Fields beyond Kind and PeerID are set
// per kind, see the EventKind constants.
type Event struct {
	Kind   EventKind
	PeerID string

	// EventKeyUpdated
	Key   []byte
	Index int

	// EventSasReady
	Sas *SasCodes

	// EventVerificationCompleted
	Success   bool
	ErrorKind VerificationError
}
