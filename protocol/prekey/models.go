package prekey

import (
	"errors"

	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/crypto/signer_schnorr"
)

var (
	ErrMissingIdentityKey = errors.New("prekey bundle missing identity key")
	ErrMissingPrekey      = errors.New("prekey bundle missing signed prekey")
)

// Bundle is the public prekey bundle a participant hands out so a peer can
// perform the key agreement against it.
type Bundle struct {
	IdentityKey key_ed25519.PublicKey
	Prekey      key_ed25519.PublicKey
	PrekeySig   []byte
	OneTimeKey  key_ed25519.PublicKey // optional
}

// Verify checks the Schnorr signature binding the signed prekey to the
// bundle's identity key.
func (b *Bundle) Verify() error {
	if b.IdentityKey == nil {
		return ErrMissingIdentityKey
	}
	if b.Prekey == nil {
		return ErrMissingPrekey
	}
	return signer_schnorr.Verify(b.IdentityKey, b.Prekey, b.PrekeySig)
}

// PrivateBundle is the bundle owner's private half, used to complete the
// agreement when the peer's handshake comes back.
type PrivateBundle struct {
	IdentityKey key_ed25519.PrivateKey
	Prekey      key_ed25519.PrivateKey
	OneTimeKey  key_ed25519.PrivateKey // must be set iff the peer used one
}

// Handshake is what the agreeing side sends back to the bundle owner: its
// long-term identity key and the fresh ephemeral key of this agreement.
type Handshake struct {
	IdentityKey  key_ed25519.PublicKey
	EphemeralKey key_ed25519.PublicKey
}
