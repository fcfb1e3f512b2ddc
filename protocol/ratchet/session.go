package ratchet

import (
	"errors"

	"conference-e2ee/protocol/doubleratchet"
	"conference-e2ee/protocol/prekey"
)

var ErrSessionReleased = errors.New("ratchet session already released")

// Session is a pairwise forward-secure channel built from a prekey agreement
// and the double ratchet. It is a scoped resource: Free releases it, and a
// released session rejects every further operation.
type Session struct {
	dr       *doubleratchet.DoubleRatchet
	released bool
}

// NewOutboundSession consumes a peer's public prekey bundle, derives the
// shared secret and initializes the sending side of the ratchet. The returned
// handshake must be delivered to the bundle owner so it can derive the same
// secret with NewInboundSession.
func NewOutboundSession(acc *Account, bundle *prekey.Bundle) (*Session, *prekey.Handshake, error) {
	if acc.freed {
		return nil, nil, ErrAccountFreed
	}
	secret, handshake, err := prekey.PerformKeyAgreement(bundle, acc.identity.Priv)
	if err != nil {
		return nil, nil, err
	}
	dr, err := doubleratchet.InitAlice(doubleratchet.RatchetKey(secret), bundle.Prekey)
	if err != nil {
		return nil, nil, err
	}
	return &Session{dr: dr}, handshake, nil
}

// NewInboundSession completes the agreement on the bundle owner's side from
// the peer's handshake, consuming the pledged one-time key (empty id if the
// bundle carried none), and initializes the receiving side of the ratchet.
func NewInboundSession(acc *Account, handshake *prekey.Handshake, oneTimeKeyID string) (*Session, error) {
	priv, err := acc.privateBundle(oneTimeKeyID)
	if err != nil {
		return nil, err
	}
	secret, err := prekey.CompleteKeyAgreement(priv, handshake)
	if err != nil {
		return nil, err
	}
	dr := doubleratchet.InitBob(doubleratchet.RatchetKey(secret), acc.prekey)
	return &Session{dr: dr}, nil
}

// Encrypt runs a ratchet step and encrypts plaintext under the resulting
// message key. With advance set, a DH ratchet step is performed first; never
// set it on the first message of a session.
func (s *Session) Encrypt(plaintext, associatedData []byte, advance bool) (*doubleratchet.Header, []byte, error) {
	if s.released {
		return nil, nil, ErrSessionReleased
	}
	return s.dr.Encrypt(plaintext, associatedData, advance)
}

// Decrypt decrypts a ratchet message. State advances only if the ciphertext
// authenticates.
func (s *Session) Decrypt(header doubleratchet.Header, ciphertext, associatedData []byte) ([]byte, error) {
	if s.released {
		return nil, ErrSessionReleased
	}
	return s.dr.Decrypt(header, ciphertext, associatedData)
}

// Free releases the session. Further Encrypt/Decrypt calls fail with
// ErrSessionReleased.
func (s *Session) Free() {
	s.released = true
	s.dr = nil
}
