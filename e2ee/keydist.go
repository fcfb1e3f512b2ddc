package e2ee

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"conference-e2ee/common"
	"conference-e2ee/crypto/aes256"
	"conference-e2ee/crypto/sha256"
)

// MediaKey is one generation of a participant's media encryption key. The
// classical and PQ components travel separately (ratchet vs. KEM-wrapped)
// and only their digest is ever handed to the media layer.
type MediaKey struct {
	Classical []byte
	PQ        []byte
	Derived   []byte
	Index     int
}

func newMediaKey(classical, pq []byte, index int) *MediaKey {
	return &MediaKey{
		Classical: classical,
		PQ:        pq,
		Derived:   deriveMediaKey(classical, pq),
		Index:     index,
	}
}

// deriveMediaKey digests the base64 forms of both components, so a key is
// usable only by someone holding both.
func deriveMediaKey(classical, pq []byte) []byte {
	material := base64.StdEncoding.EncodeToString(classical) +
		base64.StdEncoding.EncodeToString(pq)
	return sha256.Hash([]byte(material))
}

// RotateKey replaces the local media key and distributes it to every
// established peer, waiting until each peer acknowledged, failed or timed
// out. It returns the new index and derived key. Cancelling ctx abandons
// the wait, not the rotation: the new key is already in place.
func (m *Manager) RotateKey(ctx context.Context, classical, pq []byte) (int, []byte, error) {
	m.mu.Lock()
	if !m.bootstrapped {
		m.mu.Unlock()
		return 0, nil, ErrNotBootstrapped
	}
	key := newMediaKey(classical, pq, m.mediaKey.Index+1)
	m.mediaKey = key

	type delivery struct {
		peerID string
		done   <-chan Outcome
	}
	var deliveries []delivery
	for id, p := range m.peers {
		if !p.established() {
			continue
		}
		requestID := uuid.NewString()
		info, err := m.buildKeyInfo(p, requestID)
		if err != nil {
			m.logger.Errorf("building key-info for %s: %v", id, err)
			continue
		}
		done := m.pending.add(requestID, nil)
		if err := m.send(id, common.TypeKeyInfo, info); err != nil {
			m.pending.fail(requestID)
			m.logger.Errorf("sending key-info to %s: %v", id, err)
			continue
		}
		deliveries = append(deliveries, delivery{peerID: id, done: done})
	}
	m.mu.Unlock()

	// Await all deliveries outside the lock; acks are processed by the
	// dispatcher and resolve the pending entries.
	for _, d := range deliveries {
		select {
		case outcome := <-d.done:
			if outcome != OutcomeResolved {
				m.logger.Warnf("key delivery to %s %s", d.peerID, outcome)
			}
		case <-ctx.Done():
			m.logger.Warnf("abandoning key delivery wait: %v", ctx.Err())
			return key.Index, key.Derived, ctx.Err()
		}
	}
	return key.Index, key.Derived, nil
}

// buildKeyInfo encrypts the current media key for one peer.
func (m *Manager) buildKeyInfo(p *peerState, requestID string) (*common.KeyInfo, error) {
	ciphertext, pqKey, err := m.encryptKeyFor(p)
	if err != nil {
		return nil, err
	}
	return &common.KeyInfo{
		UUID:       requestID,
		Ciphertext: ciphertext,
		PQKey:      pqKey,
		Index:      m.mediaKey.Index,
	}, nil
}

// encryptKeyFor wraps both components of the current media key for a peer:
// the classical one through the ratchet session, the PQ one under the
// hybrid KEM secret. The DH ratchet step that a received message scheduled
// is taken here.
func (m *Manager) encryptKeyFor(p *peerState) (common.RatchetMessage, common.WrappedKey, error) {
	header, ct, err := p.session.Encrypt(m.mediaKey.Classical, m.adFor(p), p.advanceRatchet)
	if err != nil {
		return common.RatchetMessage{}, common.WrappedKey{}, err
	}
	p.advanceRatchet = false
	pqCt, iv, err := aes256.EncryptGCM(m.mediaKey.PQ, p.pqSecret)
	if err != nil {
		return common.RatchetMessage{}, common.WrappedKey{}, err
	}
	return common.RatchetMessage{Header: *header, Ciphertext: ct},
		common.WrappedKey{Ciphertext: pqCt, IV: iv}, nil
}

func decryptWrappedKey(w common.WrappedKey, secret []byte) ([]byte, error) {
	return aes256.DecryptGCM(w.Ciphertext, secret, w.IV)
}

// acceptPeerKey records a freshly received peer key, ignoring anything
// older than what we already hold. Caller holds m.mu.
func (m *Manager) acceptPeerKey(p *peerState, classical, pq []byte, index int) {
	if p.lastKey != nil && index < p.lastKey.Index {
		m.logger.Warnf("ignoring stale key from %s (index %d < %d)", p.id, index, p.lastKey.Index)
		return
	}
	changed := p.lastKey == nil ||
		!bytes.Equal(classical, p.lastKey.Classical) ||
		!bytes.Equal(pq, p.lastKey.PQ)
	key := newMediaKey(classical, pq, index)
	p.lastKey = key
	if changed {
		m.logger.Infof("media key for %s updated (index %d)", p.id, index)
		m.emit(Event{Kind: EventKeyUpdated, PeerID: p.id, Key: key.Derived, Index: index})
	}
}

func (m *Manager) onKeyInfo(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.KeyInfo](env)
	if err != nil {
		m.sendError(from, "", "malformed key-info")
		return err
	}

	p, ok := m.peers[from]
	if !ok || !p.established() {
		m.sendError(from, payload.UUID, ErrNoSession.Error())
		return fmt.Errorf("key-info from %s: %w", from, ErrNoSession)
	}

	classical, err := p.session.Decrypt(payload.Ciphertext.Header, payload.Ciphertext.Ciphertext, m.adFor(p))
	if err != nil {
		m.sendError(from, payload.UUID, "ratchet decryption failed")
		return fmt.Errorf("decrypting key-info from %s: %w", from, err)
	}
	p.advanceRatchet = true
	pq, err := decryptWrappedKey(payload.PQKey, p.pqSecret)
	if err != nil {
		m.sendError(from, payload.UUID, "pq decryption failed")
		return fmt.Errorf("decrypting key-info from %s: %w", from, err)
	}
	m.acceptPeerKey(p, classical, pq, payload.Index)

	// Answer with our own current key so a rejoining peer converges in one
	// round trip.
	ciphertext, pqKey, err := m.encryptKeyFor(p)
	if err != nil {
		m.sendError(from, payload.UUID, "key encryption failed")
		return fmt.Errorf("building key-info-ack for %s: %w", from, err)
	}
	return m.send(from, common.TypeKeyInfoAck, common.KeyInfoAck{
		UUID:       payload.UUID,
		Ciphertext: ciphertext,
		PQKey:      pqKey,
		Index:      m.mediaKey.Index,
	})
}

func (m *Manager) onKeyInfoAck(from string, env *common.Envelope) error {
	payload, err := common.DecodePayload[common.KeyInfoAck](env)
	if err != nil {
		return err
	}

	p, ok := m.peers[from]
	if !ok || !p.established() {
		m.logger.Warnf("key-info-ack from %s without a session", from)
		return nil
	}
	if !m.pending.resolve(payload.UUID) {
		m.logger.Warnf("unexpected key-info-ack from %s (uuid %s)", from, payload.UUID)
		return nil
	}

	classical, err := p.session.Decrypt(payload.Ciphertext.Header, payload.Ciphertext.Ciphertext, m.adFor(p))
	if err != nil {
		return fmt.Errorf("decrypting key-info-ack from %s: %w", from, err)
	}
	p.advanceRatchet = true
	pq, err := decryptWrappedKey(payload.PQKey, p.pqSecret)
	if err != nil {
		return fmt.Errorf("decrypting key-info-ack from %s: %w", from, err)
	}
	m.acceptPeerKey(p, classical, pq, payload.Index)
	return nil
}
