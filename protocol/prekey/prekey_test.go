package prekey

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/crypto/signer_schnorr"
)

func TestKeyAgreementConvergence(t *testing.T) {
	tests := []struct {
		name           string
		withOneTimeKey bool
	}{
		{
			name:           "Normal case with one-time key",
			withOneTimeKey: true,
		},
		{
			name:           "Case without one-time key",
			withOneTimeKey: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Generate the bundle owner's keys
			bundle, priv, err := generateOwnerKeys(tt.withOneTimeKey)
			assert.NoError(t, err, "error generating owner's keys")

			// Generate the agreeing side's identity key
			peerIdentity, err := key_ed25519.New()
			assert.NoError(t, err)

			// Agreeing side derives its secret and produces the handshake
			secret, handshake, err := PerformKeyAgreement(bundle, peerIdentity)
			assert.NoError(t, err)
			assert.Len(t, secret, 32, "derived secret must be 32 bytes")
			assert.NotNil(t, handshake)

			// Owner completes the agreement from the handshake
			ownerSecret, err := CompleteKeyAgreement(priv, handshake)
			assert.NoError(t, err)

			// Both sides must converge on the same secret
			assert.Equal(t, secret, ownerSecret, "the two sides derived different secrets")
		})
	}
}

func TestPerformKeyAgreementRejectsBadSignature(t *testing.T) {
	bundle, _, err := generateOwnerKeys(true)
	assert.NoError(t, err)

	peerIdentity, err := key_ed25519.New()
	assert.NoError(t, err)

	// Tamper with the prekey signature
	bundle.PrekeySig[0] ^= 0xff

	secret, handshake, err := PerformKeyAgreement(bundle, peerIdentity)
	assert.Error(t, err, "tampered signature must fail verification")
	assert.Nil(t, secret)
	assert.Nil(t, handshake)
}

func TestCompleteKeyAgreementOneTimeKeyMismatch(t *testing.T) {
	// If the owner forgets which one-time key the peer consumed,
	// the derived secrets must not match.
	bundle, priv, err := generateOwnerKeys(true)
	assert.NoError(t, err)

	peerIdentity, err := key_ed25519.New()
	assert.NoError(t, err)

	secret, handshake, err := PerformKeyAgreement(bundle, peerIdentity)
	assert.NoError(t, err)

	priv.OneTimeKey = nil
	ownerSecret, err := CompleteKeyAgreement(priv, handshake)
	assert.NoError(t, err)
	assert.NotEqual(t, secret, ownerSecret, "secrets should diverge when the one-time key is dropped")
}

// Helper functions

func generateOwnerKeys(withOneTimeKey bool) (*Bundle, *PrivateBundle, error) {
	identity, err := key_ed25519.NewPair()
	if err != nil {
		return nil, nil, err
	}

	prekey, err := key_ed25519.NewPair()
	if err != nil {
		return nil, nil, err
	}

	// Sign the prekey with the owner's identity key
	prekeySig, err := signer_schnorr.Sign(identity.Priv, prekey.Pub)
	if err != nil {
		return nil, nil, err
	}

	bundle := &Bundle{
		IdentityKey: identity.Pub,
		Prekey:      prekey.Pub,
		PrekeySig:   prekeySig,
	}
	priv := &PrivateBundle{
		IdentityKey: identity.Priv,
		Prekey:      prekey.Priv,
	}

	if withOneTimeKey {
		oneTime, err := key_ed25519.NewPair()
		if err != nil {
			return nil, nil, err
		}
		bundle.OneTimeKey = oneTime.Pub
		priv.OneTimeKey = oneTime.Priv
	}

	return bundle, priv, nil
}
