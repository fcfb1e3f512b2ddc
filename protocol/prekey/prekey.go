package prekey

import (
	"conference-e2ee/crypto/dh25519"
	"conference-e2ee/crypto/hkdf"
	"conference-e2ee/crypto/key_ed25519"
)

// https://signal.org/docs/specifications/x3dh/
// Terminology:
// - the agreeing side holds the peer's published Bundle and produces a Handshake
// - the owning side published the Bundle and completes from the Handshake

// PerformKeyAgreement derives the shared secret against a peer's published
// bundle. It verifies the bundle signature, generates the ephemeral key pair
// and returns the secret together with the Handshake the bundle owner needs
// to derive the same secret.
func PerformKeyAgreement(bundle *Bundle, identityKey key_ed25519.PrivateKey) ([]byte, *Handshake, error) {
	// 1. Verify the bundle owner's prekey signature
	if err := bundle.Verify(); err != nil {
		return nil, nil, err
	}

	// 2. Generate an ephemeral key pair
	eph, err := key_ed25519.NewPair()
	if err != nil {
		return nil, nil, err
	}

	identityPub, err := identityKey.Public()
	if err != nil {
		return nil, nil, err
	}

	// 3. Compute the shared secret
	dh1, err := dh25519.GetSharedSecret(identityKey, bundle.Prekey)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := dh25519.GetSharedSecret(eph.Priv, bundle.IdentityKey)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := dh25519.GetSharedSecret(eph.Priv, bundle.Prekey)
	if err != nil {
		return nil, nil, err
	}

	sk := make([]byte, 0, 4*len(dh1))
	sk = append(sk, dh1...)
	sk = append(sk, dh2...)
	sk = append(sk, dh3...)
	if bundle.OneTimeKey != nil {
		dh4, err := dh25519.GetSharedSecret(eph.Priv, bundle.OneTimeKey)
		if err != nil {
			return nil, nil, err
		}
		sk = append(sk, dh4...)
	}

	// 4. Derive the key
	sharedKey, err := hkdf.New32BytesKeyFromSecret(sk)
	if err != nil {
		return nil, nil, err
	}

	return sharedKey, &Handshake{
		IdentityKey:  identityPub,
		EphemeralKey: eph.Pub,
	}, nil
}

// CompleteKeyAgreement derives the shared secret on the bundle owner's side
// from the peer's handshake. priv.OneTimeKey must be the one-time key the
// peer consumed, or nil if the bundle carried none.
func CompleteKeyAgreement(priv *PrivateBundle, handshake *Handshake) ([]byte, error) {
	// 1. Compute the shared secret (mirror of PerformKeyAgreement)
	dh1, err := dh25519.GetSharedSecret(priv.Prekey, handshake.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh25519.GetSharedSecret(priv.IdentityKey, handshake.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh25519.GetSharedSecret(priv.Prekey, handshake.EphemeralKey)
	if err != nil {
		return nil, err
	}

	sk := make([]byte, 0, 4*len(dh1))
	sk = append(sk, dh1...)
	sk = append(sk, dh2...)
	sk = append(sk, dh3...)
	if priv.OneTimeKey != nil {
		dh4, err := dh25519.GetSharedSecret(priv.OneTimeKey, handshake.EphemeralKey)
		if err != nil {
			return nil, err
		}
		sk = append(sk, dh4...)
	}

	// 2. Derive the key
	return hkdf.New32BytesKeyFromSecret(sk)
}
