package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conference-e2ee/protocol/doubleratchet"
	"conference-e2ee/protocol/prekey"
)

func TestOutboundInboundSessionConvergence(t *testing.T) {
	// The bundle owner pledges a one-time key; the peer opens the outbound
	// session from the bundle, the owner completes inbound from the handshake.
	owner, err := NewAccount()
	assert.NoError(t, err)
	peer, err := NewAccount()
	assert.NoError(t, err)

	otkID, otkPub, err := owner.GenerateOneTimeKey()
	assert.NoError(t, err)

	bundle := &prekey.Bundle{
		IdentityKey: owner.IdentityKey(),
		Prekey:      owner.Prekey(),
		PrekeySig:   owner.PrekeySig(),
		OneTimeKey:  otkPub,
	}

	outbound, handshake, err := NewOutboundSession(peer, bundle)
	assert.NoError(t, err)
	assert.NotNil(t, handshake)

	ad := []byte("associated data")

	// First message travels peer -> owner and completes the owner's side
	header, ciphertext, err := outbound.Encrypt([]byte("first message"), ad, false)
	assert.NoError(t, err)

	inbound, err := NewInboundSession(owner, handshake, otkID)
	assert.NoError(t, err)

	plaintext, err := inbound.Decrypt(*header, ciphertext, ad)
	assert.NoError(t, err)
	assert.Equal(t, []byte("first message"), plaintext)

	// Reply in the other direction
	replyHeader, replyCiphertext, err := inbound.Encrypt([]byte("reply"), ad, false)
	assert.NoError(t, err)

	replyPlaintext, err := outbound.Decrypt(*replyHeader, replyCiphertext, ad)
	assert.NoError(t, err)
	assert.Equal(t, []byte("reply"), replyPlaintext)

	// The pledged one-time key was consumed exactly once
	_, err = NewInboundSession(owner, handshake, otkID)
	assert.ErrorIs(t, err, ErrUnknownOneTimeKey)
}

func TestSessionReleasedGuard(t *testing.T) {
	owner, err := NewAccount()
	assert.NoError(t, err)
	peer, err := NewAccount()
	assert.NoError(t, err)

	bundle := &prekey.Bundle{
		IdentityKey: owner.IdentityKey(),
		Prekey:      owner.Prekey(),
		PrekeySig:   owner.PrekeySig(),
	}

	sess, _, err := NewOutboundSession(peer, bundle)
	assert.NoError(t, err)

	sess.Free()

	_, _, err = sess.Encrypt([]byte("message"), nil, false)
	assert.ErrorIs(t, err, ErrSessionReleased)

	_, err = sess.Decrypt(doubleratchet.Header{}, nil, nil)
	assert.ErrorIs(t, err, ErrSessionReleased)
}

func TestOneTimeKeyDiscard(t *testing.T) {
	acc, err := NewAccount()
	assert.NoError(t, err)

	id, pub, err := acc.GenerateOneTimeKey()
	assert.NoError(t, err)
	assert.NotEmpty(t, pub)

	acc.DiscardOneTimeKey(id)

	_, err = acc.ConsumeOneTimeKey(id)
	assert.ErrorIs(t, err, ErrUnknownOneTimeKey)
}

func TestFreedAccountRejectsOperations(t *testing.T) {
	acc, err := NewAccount()
	assert.NoError(t, err)

	acc.Free()

	_, _, err = acc.GenerateOneTimeKey()
	assert.ErrorIs(t, err, ErrAccountFreed)

	_, err = acc.ConsumeOneTimeKey("any")
	assert.ErrorIs(t, err, ErrAccountFreed)
}
