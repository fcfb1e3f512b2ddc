package e2ee

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"conference-e2ee/common"
	"conference-e2ee/configs"
	"conference-e2ee/crypto"
	"conference-e2ee/crypto/dh25519"
	"conference-e2ee/crypto/hkdf"
	"conference-e2ee/crypto/hmac"
	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/crypto/sha256"
	"conference-e2ee/protocol/sas"
)

// SAS verification runs commit-then-reveal over fresh ephemeral keys:
//
//	initiator                                  responder
//	   | -- sas-start (txID) --------------------> |
//	   | <-- sas-accept (commitment) ------------- |  commits to own eph key
//	   | -- sas-key (eph pub) -------------------> |  initiator reveals first
//	   | <-- sas-key (eph pub) ------------------- |  checked against commitment
//	   | <======= sas-mac after both users confirm ======> |
//
// The commitment forces the responder to fix its key before seeing the
// initiator's, so neither side can grind the short code. After both users
// confirmed the displayed codes match, each side MACs its identity key under
// a key derived from the ephemeral DH secret and the other re-validates it.
//
// https://spec.matrix.org/latest/client-server-api/#short-authentication-string-sas-verification

type sasStage int

const (
	// sasStarted: sas-start is out (initiator only).
	sasStarted sasStage = iota
	// sasCommitmentExchanged: the commitment has been sent (responder) or
	// received (initiator).
	sasCommitmentExchanged
	// sasKeyExchanged: both ephemeral keys are known and the short codes can
	// be displayed.
	sasKeyExchanged
)

// sasState is one in-flight verification with a peer. It is destroyed on
// completion, failure or supersession.
type sasState struct {
	txID      string
	initiator bool
	stage     sasStage

	eph        *key_ed25519.Pair
	commitment string
	peerKey    key_ed25519.PublicKey
	secret     []byte
	sasBytes   [6]byte

	keySent     bool
	macSent     bool
	macVerified bool
}

// StartVerification opens a SAS verification with an established peer. The
// codes to display arrive later through an EventSasReady.
func (m *Manager) StartVerification(peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.bootstrapped {
		return ErrNotBootstrapped
	}
	p, ok := m.peers[peerID]
	if !ok || !p.established() {
		return ErrNoSession
	}
	if p.sas != nil {
		return ErrVerificationInFlight
	}

	eph, err := key_ed25519.NewPair()
	if err != nil {
		return err
	}
	txID := uuid.NewString()
	p.sas = &sasState{txID: txID, initiator: true, stage: sasStarted, eph: eph}

	if err := m.send(peerID, common.TypeSasStart, common.SasStart{UUID: txID}); err != nil {
		p.sas = nil
		return err
	}
	m.logger.Infof("verification with %s started (tx %s)", peerID, txID)
	return nil
}

// ConfirmVerification records the local user's judgement of the displayed
// codes. matched=false aborts the verification on both sides; matched=true
// releases our identity MACs, and the verification completes once the
// peer's MACs verified too.
func (m *Manager) ConfirmVerification(peerID string, matched bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[peerID]
	if !ok || p.sas == nil {
		return ErrSasInvalidState
	}
	if p.sas.stage != sasKeyExchanged {
		return ErrSasInvalidState
	}

	if !matched {
		m.failVerification(p, ErrSasChannelVerificationFailed, true)
		return nil
	}

	localID := m.conf.LocalID()
	baseInfo := configs.SASMACInfoPrefix + localID + p.id + p.sas.txID
	keyID := "ed25519:" + localID

	ownKey := base64.StdEncoding.EncodeToString(m.account.IdentityKey())
	keyMac, err := calculateMAC(ownKey, baseInfo+keyID, p.sas.secret)
	if err != nil {
		return err
	}
	keysMac, err := calculateMAC(keyID, baseInfo+configs.SASMACKeyIDs, p.sas.secret)
	if err != nil {
		return err
	}

	payload := common.SasMac{
		UUID: p.sas.txID,
		Keys: keysMac,
		Mac:  map[string]string{keyID: keyMac},
	}
	if err := m.send(p.id, common.TypeSasMac, payload); err != nil {
		return err
	}
	p.sas.macSent = true
	if p.sas.macVerified {
		m.completeVerification(p)
	}
	return nil
}

func (m *Manager) onSasStart(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.SasStart](env)
	if err != nil {
		return err
	}

	p, ok := m.peers[from]
	if !ok || !p.established() {
		m.sendError(from, payload.UUID, string(ErrSasInvalidState))
		return fmt.Errorf("sas-start from %s: %w", from, ErrNoSession)
	}
	if p.sas != nil {
		// Simultaneous starts: the start from the lower participant id
		// survives on both ends.
		if p.sas.initiator && from < m.conf.LocalID() {
			m.logger.Warnf("verification glare with %s, adopting theirs", from)
		} else if p.sas.initiator {
			m.logger.Warnf("verification glare with %s, keeping ours", from)
			return nil
		} else {
			m.logger.Warnf("superseding verification with %s", from)
		}
		p.sas = nil
	}

	eph, err := key_ed25519.NewPair()
	if err != nil {
		return err
	}
	p.sas = &sasState{
		txID:      payload.UUID,
		initiator: false,
		stage:     sasCommitmentExchanged,
		eph:       eph,
	}
	return m.send(from, common.TypeSasAccept, common.SasAccept{
		UUID:       payload.UUID,
		Commitment: computeCommitment(eph.Pub, payload.UUID),
	})
}

func (m *Manager) onSasAccept(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.SasAccept](env)
	if err != nil {
		return err
	}

	p, ok := m.peers[from]
	if !ok || p.sas == nil || p.sas.txID != payload.UUID {
		m.sendError(from, payload.UUID, string(ErrSasInvalidState))
		return fmt.Errorf("sas-accept from %s: %w", from, ErrSasInvalidState)
	}
	if !p.sas.initiator || p.sas.stage != sasStarted {
		m.failVerification(p, ErrSasInvalidState, true)
		return fmt.Errorf("sas-accept from %s: %w", from, ErrSasInvalidState)
	}

	p.sas.commitment = payload.Commitment
	p.sas.stage = sasCommitmentExchanged

	// The initiator reveals first; the responder's key is checked against
	// the commitment when it arrives.
	if err := m.send(from, common.TypeSasKey, common.SasKey{UUID: payload.UUID, Key: p.sas.eph.Pub}); err != nil {
		return err
	}
	p.sas.keySent = true
	return nil
}

func (m *Manager) onSasKey(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.SasKey](env)
	if err != nil {
		return err
	}

	p, ok := m.peers[from]
	if !ok || p.sas == nil || p.sas.txID != payload.UUID {
		m.sendError(from, payload.UUID, string(ErrSasInvalidState))
		return fmt.Errorf("sas-key from %s: %w", from, ErrSasInvalidState)
	}
	if p.sas.peerKey != nil {
		if p.sas.peerKey.Equals(payload.Key) {
			m.logger.Warnf("duplicate sas-key from %s (tx %s)", from, payload.UUID)
			return nil
		}
		m.failVerification(p, ErrSasInvalidState, true)
		return fmt.Errorf("sas-key from %s: %w", from, ErrSasInvalidState)
	}
	if p.sas.stage != sasCommitmentExchanged {
		m.failVerification(p, ErrSasInvalidState, true)
		return fmt.Errorf("sas-key from %s: %w", from, ErrSasInvalidState)
	}

	if p.sas.initiator {
		if computeCommitment(payload.Key, p.sas.txID) != p.sas.commitment {
			m.failVerification(p, ErrSasCommitmentMismatched, true)
			return fmt.Errorf("sas-key from %s: %w", from, ErrSasCommitmentMismatched)
		}
	}

	secret, err := dh25519.GetSharedSecret(p.sas.eph.Priv, payload.Key)
	if err != nil {
		m.failVerification(p, ErrSasInvalidState, true)
		return fmt.Errorf("sas-key from %s: %w", from, err)
	}
	p.sas.peerKey = payload.Key
	p.sas.secret = secret
	if err := hkdf.Expand(secret, m.sasTranscript(p), p.sas.sasBytes[:]); err != nil {
		m.failVerification(p, ErrSasInvalidState, true)
		return fmt.Errorf("deriving sas bytes for %s: %w", from, err)
	}
	p.sas.stage = sasKeyExchanged

	if !p.sas.keySent {
		if err := m.send(from, common.TypeSasKey, common.SasKey{UUID: payload.UUID, Key: p.sas.eph.Pub}); err != nil {
			return err
		}
		p.sas.keySent = true
	}

	m.emit(Event{Kind: EventSasReady, PeerID: from, Sas: &SasCodes{
		Decimal: sas.Decimal(p.sas.sasBytes),
		Emoji:   sas.Emoji(p.sas.sasBytes),
	}})
	return nil
}

func (m *Manager) onSasMac(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.SasMac](env)
	if err != nil {
		return err
	}

	p, ok := m.peers[from]
	if !ok || p.sas == nil || p.sas.txID != payload.UUID {
		m.sendError(from, payload.UUID, string(ErrSasInvalidState))
		return fmt.Errorf("sas-mac from %s: %w", from, ErrSasInvalidState)
	}
	if p.sas.stage != sasKeyExchanged {
		m.failVerification(p, ErrSasInvalidState, true)
		return fmt.Errorf("sas-mac from %s: %w", from, ErrSasInvalidState)
	}

	// Everything the peer claims is re-derived and compared locally, never
	// trusted from the wire.
	baseInfo := configs.SASMACInfoPrefix + from + m.conf.LocalID() + p.sas.txID

	keyIDs := make([]string, 0, len(payload.Mac))
	for id := range payload.Mac {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)

	expectedKeys, err := calculateMAC(strings.Join(keyIDs, ","), baseInfo+configs.SASMACKeyIDs, p.sas.secret)
	if err != nil {
		return err
	}
	if expectedKeys != payload.Keys {
		m.failVerification(p, ErrSasKeysMacMismatch, true)
		return fmt.Errorf("sas-mac from %s: %w", from, ErrSasKeysMacMismatch)
	}

	if len(keyIDs) == 0 {
		m.failVerification(p, ErrSasMissingKey, true)
		return fmt.Errorf("sas-mac from %s: %w", from, ErrSasMissingKey)
	}
	for _, keyID := range keyIDs {
		if keyID != "ed25519:"+from || p.identityKey == nil {
			m.failVerification(p, ErrSasMissingKey, true)
			return fmt.Errorf("sas-mac from %s lists %s: %w", from, keyID, ErrSasMissingKey)
		}
		peerKey := base64.StdEncoding.EncodeToString(p.identityKey)
		expected, err := calculateMAC(peerKey, baseInfo+keyID, p.sas.secret)
		if err != nil {
			return err
		}
		if expected != payload.Mac[keyID] {
			m.failVerification(p, ErrSasKeyMacMismatch, true)
			return fmt.Errorf("sas-mac from %s: %w", from, ErrSasKeyMacMismatch)
		}
	}

	p.sas.macVerified = true
	if p.sas.macSent {
		m.completeVerification(p)
	}
	return nil
}

// completeVerification ends a verification successfully. Caller holds m.mu.
func (m *Manager) completeVerification(p *peerState) {
	p.sas = nil
	m.logger.Infof("verification with %s completed", p.id)
	m.emit(Event{Kind: EventVerificationCompleted, PeerID: p.id, Success: true})
}

// failVerification ends an in-flight verification with a typed outcome,
// optionally reporting it to the peer. Caller holds m.mu.
func (m *Manager) failVerification(p *peerState, kind VerificationError, notifyPeer bool) {
	if p.sas == nil {
		return
	}
	txID := p.sas.txID
	p.sas = nil
	if notifyPeer {
		m.sendError(p.id, txID, string(kind))
	}
	m.emit(Event{Kind: EventVerificationCompleted, PeerID: p.id, Success: false, ErrorKind: kind})
}

// computeCommitment binds a not-yet-revealed ephemeral key to the start
// message content.
func computeCommitment(pub key_ed25519.PublicKey, startContent string) string {
	material := base64.StdEncoding.EncodeToString(pub) + startContent
	return base64.StdEncoding.EncodeToString(sha256.Hash([]byte(material)))
}

// sasTranscript is the info string the SAS bytes are expanded under. Both
// sides build it initiator tuple first, so it only matches when the two key
// exchanges saw the same keys.
func (m *Manager) sasTranscript(p *peerState) []byte {
	localID := m.conf.LocalID()
	ownKey := base64.StdEncoding.EncodeToString(p.sas.eph.Pub)
	peerKey := base64.StdEncoding.EncodeToString(p.sas.peerKey)

	var first, second string
	if p.sas.initiator {
		first = localID + "|" + ownKey
		second = p.id + "|" + peerKey
	} else {
		first = p.id + "|" + peerKey
		second = localID + "|" + ownKey
	}
	return []byte(configs.SASInfoPrefix + "|" + first + "|" + second + "|" + p.sas.txID)
}

// calculateMAC expands a one-off MAC key from the verification secret under
// the transcript info, then MACs the input with it. Output is base64.
func calculateMAC(input, info string, secret []byte) (string, error) {
	macKey := make([]byte, 32)
	if err := hkdf.Expand(secret, []byte(info), macKey); err != nil {
		return "", err
	}
	tag := hmac.Hash(crypto.DefaultHashFunc, macKey, []byte(input))
	return base64.StdEncoding.EncodeToString(tag), nil
}
