package e2ee

import (
	"fmt"

	"github.com/google/uuid"

	"conference-e2ee/common"
	"conference-e2ee/crypto/kem"
	"conference-e2ee/crypto/sha256"
	"conference-e2ee/protocol/prekey"
	"conference-e2ee/protocol/ratchet"
)

// The hybrid handshake takes four messages:
//
//	initiator                                   responder
//	   | -- session-init (prekey bundle + kem) --> |  opens classical outbound
//	   | <-- pq-session-init (kem key + ct A) ---- |  encapsulates secret A
//	   | -- pq-session-ack (ct B) ---------------> |  A decapsulated, B made
//	   | <-- session-ack (handshake + key) ------- |  B decapsulated
//
// Both sides end with the same classical ratchet session and the same PQ
// secret sha256(A || B). Only the participant with the lower id initiates,
// so a pair can never run two handshakes at once.

// initiateHandshake opens the 4-message handshake toward a peer. Caller
// holds m.mu and has checked the initiation order.
func (m *Manager) initiateHandshake(peerID string) error {
	p := m.peer(peerID)
	switch p.stage {
	case stageEstablished:
		return ErrSessionExists
	case stageInitSent, stageInitReceived, stagePQExchanged:
		return ErrHandshakePending
	}

	id := uuid.NewString()
	otkID, otkPub, err := m.account.GenerateOneTimeKey()
	if err != nil {
		return err
	}
	kemPair, err := kem.NewPair()
	if err != nil {
		m.account.DiscardOneTimeKey(otkID)
		return err
	}

	p.stage = stageInitSent
	p.initiator = true
	p.pendingUUID = id
	p.oneTimeKeyID = otkID
	p.kemPair = kemPair

	m.pending.add(id, func() { m.expireHandshake(peerID, id) })

	payload := common.SessionInit{
		UUID:        id,
		IdentityKey: m.account.IdentityKey(),
		Prekey:      m.account.Prekey(),
		PrekeySig:   m.account.PrekeySig(),
		OneTimeKey:  otkPub,
		KEMKey:      kemPair.Pub,
	}
	if err := m.send(peerID, common.TypeSessionInit, payload); err != nil {
		m.pending.fail(id)
		m.account.DiscardOneTimeKey(otkID)
		p.resetHandshake()
		return err
	}
	m.logger.Infof("handshake with %s started (uuid %s)", peerID, id)
	return nil
}

// expireHandshake is the pending-registry timeout hook: it clears the
// handshake transients so a later attempt starts fresh. Runs on the timer
// goroutine.
func (m *Manager) expireHandshake(peerID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[peerID]
	if !ok || p.pendingUUID != id {
		return
	}
	m.logger.Warnf("handshake with %s timed out (uuid %s)", peerID, id)
	if p.oneTimeKeyID != "" {
		m.account.DiscardOneTimeKey(p.oneTimeKeyID)
	}
	p.resetHandshake()
}

// failHandshake answers the peer with an error and returns it to a
// retryable state. Caller holds m.mu.
func (m *Manager) failHandshake(p *peerState, message string) {
	m.sendError(p.id, p.pendingUUID, message)
	if p.pendingUUID != "" {
		m.pending.fail(p.pendingUUID)
	}
	if p.oneTimeKeyID != "" {
		m.account.DiscardOneTimeKey(p.oneTimeKeyID)
	}
	p.resetHandshake()
}

func (m *Manager) onSessionInit(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.SessionInit](env)
	if err != nil {
		m.sendError(from, "", "malformed session-init")
		return err
	}

	if from >= m.conf.LocalID() {
		m.sendError(from, payload.UUID, ErrInitiationOrder.Error())
		return fmt.Errorf("session-init from %s: %w", from, ErrInitiationOrder)
	}

	p := m.peer(from)
	switch p.stage {
	case stageEstablished:
		m.sendError(from, payload.UUID, ErrSessionExists.Error())
		return fmt.Errorf("session-init from %s: %w", from, ErrSessionExists)
	case stageInitReceived:
		if p.pendingUUID == payload.UUID {
			// Duplicate delivery; our pq-session-init is already out.
			m.logger.Warnf("duplicate session-init from %s (uuid %s)", from, payload.UUID)
			return nil
		}
		// The initiator gave up on the previous attempt and retried.
		m.logger.Warnf("superseding half-open handshake with %s", from)
		p.resetHandshake()
	}

	bundle := &prekey.Bundle{
		IdentityKey: payload.IdentityKey,
		Prekey:      payload.Prekey,
		PrekeySig:   payload.PrekeySig,
		OneTimeKey:  payload.OneTimeKey,
	}
	session, handshake, err := ratchet.NewOutboundSession(m.account, bundle)
	if err != nil {
		m.sendError(from, payload.UUID, "prekey agreement failed")
		return fmt.Errorf("outbound session with %s: %w", from, err)
	}

	kemPair, err := kem.NewPair()
	if err != nil {
		session.Free()
		m.sendError(from, payload.UUID, "kem keypair generation failed")
		return err
	}
	ctA, secretA, err := kem.Encapsulate(payload.KEMKey)
	if err != nil {
		session.Free()
		m.sendError(from, payload.UUID, "kem encapsulation failed")
		return fmt.Errorf("encapsulating for %s: %w", from, err)
	}

	p.stage = stageInitReceived
	p.initiator = false
	p.pendingUUID = payload.UUID
	p.session = session
	p.kemPair = kemPair
	p.pqPartial = secretA
	p.handshake = handshake
	p.identityKey = payload.IdentityKey

	return m.send(from, common.TypePQSessionInit, common.PQSessionInit{
		UUID:          payload.UUID,
		KEMKey:        kemPair.Pub,
		KEMCiphertext: ctA,
	})
}

func (m *Manager) onPQSessionInit(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.PQSessionInit](env)
	if err != nil {
		m.sendError(from, "", "malformed pq-session-init")
		return err
	}

	p, ok := m.peers[from]
	if !ok || p.stage != stageInitSent {
		m.sendError(from, payload.UUID, ErrUnexpectedMessage.Error())
		return fmt.Errorf("pq-session-init from %s: %w", from, ErrUnexpectedMessage)
	}
	if p.pendingUUID != payload.UUID {
		m.logger.Warnf("stale pq-session-init from %s (uuid %s)", from, payload.UUID)
		return nil
	}

	secretA, err := p.kemPair.Decapsulate(payload.KEMCiphertext)
	if err != nil {
		m.failHandshake(p, "kem decapsulation failed")
		return fmt.Errorf("decapsulating for %s: %w", from, err)
	}
	ctB, secretB, err := kem.Encapsulate(payload.KEMKey)
	if err != nil {
		m.failHandshake(p, "kem encapsulation failed")
		return fmt.Errorf("encapsulating for %s: %w", from, err)
	}

	p.pqSecret = hybridSecret(secretA, secretB)
	p.kemPair = nil
	p.stage = stagePQExchanged

	return m.send(from, common.TypePQSessionAck, common.PQSessionAck{
		UUID:          payload.UUID,
		KEMCiphertext: ctB,
	})
}

func (m *Manager) onPQSessionAck(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.PQSessionAck](env)
	if err != nil {
		m.sendError(from, "", "malformed pq-session-ack")
		return err
	}

	p, ok := m.peers[from]
	if !ok || p.stage != stageInitReceived {
		m.sendError(from, payload.UUID, ErrUnexpectedMessage.Error())
		return fmt.Errorf("pq-session-ack from %s: %w", from, ErrUnexpectedMessage)
	}
	if p.pendingUUID != payload.UUID {
		m.logger.Warnf("stale pq-session-ack from %s (uuid %s)", from, payload.UUID)
		return nil
	}

	secretB, err := p.kemPair.Decapsulate(payload.KEMCiphertext)
	if err != nil {
		m.failHandshake(p, "kem decapsulation failed")
		return fmt.Errorf("decapsulating for %s: %w", from, err)
	}

	p.pqSecret = hybridSecret(p.pqPartial, secretB)
	p.pqPartial = nil
	p.kemPair = nil

	// The acknowledgment carries our current key so the initiator can start
	// decrypting media right away.
	ciphertext, pqKey, err := m.encryptKeyFor(p)
	if err != nil {
		m.failHandshake(p, "key encryption failed")
		return fmt.Errorf("building session-ack for %s: %w", from, err)
	}
	ack := common.SessionAck{
		UUID:         payload.UUID,
		IdentityKey:  m.account.IdentityKey(),
		EphemeralKey: p.handshake.EphemeralKey,
		Ciphertext:   ciphertext,
		PQKey:        pqKey,
		Index:        m.mediaKey.Index,
	}

	p.stage = stageEstablished
	p.pendingUUID = ""
	p.handshake = nil

	if err := m.send(from, common.TypeSessionAck, ack); err != nil {
		return err
	}
	m.logger.Infof("channel with %s established", from)
	m.emit(Event{Kind: EventChannelReady, PeerID: from})
	return nil
}

func (m *Manager) onSessionAck(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.SessionAck](env)
	if err != nil {
		m.sendError(from, "", "malformed session-ack")
		return err
	}

	p, ok := m.peers[from]
	if !ok || p.stage != stagePQExchanged {
		m.sendError(from, payload.UUID, ErrUnexpectedMessage.Error())
		return fmt.Errorf("session-ack from %s: %w", from, ErrUnexpectedMessage)
	}
	if p.pendingUUID != payload.UUID {
		m.logger.Warnf("stale session-ack from %s (uuid %s)", from, payload.UUID)
		return nil
	}

	handshake := &prekey.Handshake{
		IdentityKey:  payload.IdentityKey,
		EphemeralKey: payload.EphemeralKey,
	}
	session, err := ratchet.NewInboundSession(m.account, handshake, p.oneTimeKeyID)
	p.oneTimeKeyID = ""
	if err != nil {
		m.failHandshake(p, "prekey agreement failed")
		return fmt.Errorf("inbound session with %s: %w", from, err)
	}

	p.identityKey = payload.IdentityKey
	classical, err := session.Decrypt(payload.Ciphertext.Header, payload.Ciphertext.Ciphertext, m.adFor(p))
	if err != nil {
		session.Free()
		m.failHandshake(p, "ratchet decryption failed")
		return fmt.Errorf("decrypting session-ack from %s: %w", from, err)
	}
	pq, err := decryptWrappedKey(payload.PQKey, p.pqSecret)
	if err != nil {
		session.Free()
		m.failHandshake(p, "pq decryption failed")
		return fmt.Errorf("decrypting session-ack from %s: %w", from, err)
	}

	p.session = session
	p.stage = stageEstablished
	p.pendingUUID = ""
	p.advanceRatchet = true
	m.pending.resolve(payload.UUID)

	m.logger.Infof("channel with %s established", from)
	m.emit(Event{Kind: EventChannelReady, PeerID: from})
	m.acceptPeerKey(p, classical, pq, payload.Index)
	return nil
}

// hybridSecret combines the two encapsulated secrets into the PQ shared
// secret; secretA is always the responder-encapsulated one.
func hybridSecret(secretA, secretB []byte) []byte {
	material := make([]byte, 0, len(secretA)+len(secretB))
	material = append(material, secretA...)
	material = append(material, secretB...)
	return sha256.Hash(material)
}

// onError processes a peer-reported protocol error. A uuid correlates it to
// a pending handshake or key delivery; verification error codes take down
// the matching in-flight verification.
func (m *Manager) onError(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.ErrorMessage](env)
	if err != nil {
		return err
	}
	m.logger.Warnf("peer %s reported: %s (uuid %q)", from, payload.Error, payload.UUID)

	p, ok := m.peers[from]
	if !ok {
		return nil
	}

	if payload.UUID != "" {
		if payload.UUID == p.pendingUUID {
			m.pending.fail(payload.UUID)
			if p.oneTimeKeyID != "" {
				m.account.DiscardOneTimeKey(p.oneTimeKeyID)
			}
			p.resetHandshake()
		} else {
			// Key deliveries and anything else pending under this uuid.
			m.pending.fail(payload.UUID)
		}
	}

	if p.sas != nil {
		kind, known := verificationErrorFromString(payload.Error)
		if payload.UUID == p.sas.txID || (payload.UUID == "" && known) {
			m.failVerification(p, kind, false)
		}
	}
	return nil
}
