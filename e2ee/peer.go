package e2ee

import (
	"conference-e2ee/crypto/kem"
	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/protocol/prekey"
	"conference-e2ee/protocol/ratchet"
)

// handshakeStage tags how far the hybrid handshake with a peer has come.
// The stage decides which fields of peerState are meaningful, so illegal
// combinations (e.g. a PQ secret without the classical half that produced
// it) cannot be reached.
type handshakeStage int

const (
	// stageNone: no session and no handshake in flight.
	stageNone handshakeStage = iota
	// stageInitSent: we initiated; session-init is out, waiting for
	// pq-session-init. Valid: pendingUUID, oneTimeKeyID, kemPair.
	stageInitSent
	// stageInitReceived: we responded; classical session is open outbound,
	// pq-session-init is out, waiting for pq-session-ack. Valid:
	// pendingUUID, session, kemPair, pqPartial, handshake, identityKey.
	stageInitReceived
	// stagePQExchanged: initiator side; the PQ secret is complete,
	// pq-session-ack is out, waiting for session-ack. Valid: pendingUUID,
	// oneTimeKeyID, pqSecret.
	stagePQExchanged
	// stageEstablished: both the classical session and the PQ secret exist.
	stageEstablished
)

func (s handshakeStage) String() string {
	switch s {
	case stageNone:
		return "none"
	case stageInitSent:
		return "init-sent"
	case stageInitReceived:
		return "init-received"
	case stagePQExchanged:
		return "pq-exchanged"
	case stageEstablished:
		return "established"
	}
	return "unknown"
}

// peerState is everything the manager tracks for one remote participant.
// Entries are created lazily on first contact and destroyed when the
// participant leaves or the session is cleared.
type peerState struct {
	id    string
	stage handshakeStage
	// initiator records whether the local side opened this handshake; it
	// also fixes the associated-data ordering for the channel's lifetime.
	initiator bool

	// Handshake transients, cleared once stageEstablished is reached.
	pendingUUID  string
	oneTimeKeyID string
	kemPair      *kem.Pair
	pqPartial    []byte
	handshake    *prekey.Handshake

	// Established channel state.
	session     *ratchet.Session
	pqSecret    []byte
	identityKey key_ed25519.PublicKey
	// advanceRatchet is set when a ratchet message arrives and cleared on
	// the next send. A DH ratchet step happens only on that first send
	// after receiving; both ends stepping at once would fork the root key.
	advanceRatchet bool

	// Last accepted media key from this peer.
	lastKey *MediaKey

	// In-flight SAS verification, nil when idle.
	sas *sasState
}

// resetHandshake drops all handshake transients and any half-open session,
// returning the peer to stageNone so a fresh attempt can run.
func (p *peerState) resetHandshake() {
	if p.session != nil && p.stage != stageEstablished {
		p.session.Free()
		p.session = nil
	}
	p.stage = stageNone
	p.initiator = false
	p.pendingUUID = ""
	p.oneTimeKeyID = ""
	p.kemPair = nil
	p.pqPartial = nil
	p.handshake = nil
	p.pqSecret = nil
	p.advanceRatchet = false
}

// established reports whether both halves of the hybrid channel exist.
func (p *peerState) established() bool {
	return p.stage == stageEstablished && p.session != nil && p.pqSecret != nil
}

// release frees the scoped ratchet session and forgets all channel state.
func (p *peerState) release() {
	if p.session != nil {
		p.session.Free()
		p.session = nil
	}
	p.stage = stageNone
	p.pendingUUID = ""
	p.oneTimeKeyID = ""
	p.kemPair = nil
	p.pqPartial = nil
	p.handshake = nil
	p.pqSecret = nil
	p.advanceRatchet = false
	p.lastKey = nil
	p.sas = nil
}
