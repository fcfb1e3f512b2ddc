package ratchet

import (
	"errors"

	"github.com/google/uuid"

	"conference-e2ee/crypto/key_ed25519"
	"conference-e2ee/crypto/signer_schnorr"
	"conference-e2ee/protocol/prekey"
)

var (
	ErrAccountFreed      = errors.New("ratchet account already freed")
	ErrUnknownOneTimeKey = errors.New("unknown one-time key id")
)

// Account holds a participant's long-term ratchet key material: the identity
// key pair, the signed prekey and a pool of one-time keys. One-time keys are
// handed out by id, pledged to exactly one handshake, and either consumed
// when that handshake completes or discarded when it times out.
type Account struct {
	identity  key_ed25519.Pair
	prekey    key_ed25519.Pair
	prekeySig []byte
	oneTime   map[string]key_ed25519.Pair
	freed     bool
}

// NewAccount generates a fresh identity key pair and a signed prekey.
func NewAccount() (*Account, error) {
	identity, err := key_ed25519.NewPair()
	if err != nil {
		return nil, err
	}
	return NewAccountFromIdentity(*identity)
}

// NewAccountFromIdentity builds an account around an existing long-term
// identity key pair (e.g. one loaded from the environment).
func NewAccountFromIdentity(identity key_ed25519.Pair) (*Account, error) {
	pk, err := key_ed25519.NewPair()
	if err != nil {
		return nil, err
	}
	sig, err := signer_schnorr.Sign(identity.Priv, pk.Pub)
	if err != nil {
		return nil, err
	}
	return &Account{
		identity:  identity,
		prekey:    *pk,
		prekeySig: sig,
		oneTime:   make(map[string]key_ed25519.Pair),
	}, nil
}

// IdentityKey returns the long-term identity public key.
func (a *Account) IdentityKey() key_ed25519.PublicKey {
	return a.identity.Pub
}

// Prekey returns the signed prekey public key.
func (a *Account) Prekey() key_ed25519.PublicKey {
	return a.prekey.Pub
}

// PrekeySig returns the Schnorr signature over the signed prekey.
func (a *Account) PrekeySig() []byte {
	return a.prekeySig
}

// GenerateOneTimeKey adds a fresh one-time key to the pool and returns its id
// and public half for inclusion in an outgoing prekey bundle.
func (a *Account) GenerateOneTimeKey() (string, key_ed25519.PublicKey, error) {
	if a.freed {
		return "", nil, ErrAccountFreed
	}
	pair, err := key_ed25519.NewPair()
	if err != nil {
		return "", nil, err
	}
	id := uuid.NewString()
	a.oneTime[id] = *pair
	return id, pair.Pub, nil
}

// ConsumeOneTimeKey removes the one-time key from the pool and returns its
// private half. A key can be consumed exactly once.
func (a *Account) ConsumeOneTimeKey(id string) (key_ed25519.PrivateKey, error) {
	if a.freed {
		return nil, ErrAccountFreed
	}
	pair, ok := a.oneTime[id]
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	delete(a.oneTime, id)
	return pair.Priv, nil
}

// DiscardOneTimeKey drops a pledged one-time key without using it, e.g. when
// the handshake it was pledged to timed out.
func (a *Account) DiscardOneTimeKey(id string) {
	if pair, ok := a.oneTime[id]; ok {
		pair.Priv.Zero()
		delete(a.oneTime, id)
	}
}

// Free wipes the account's private key material. The account must not be
// used afterwards.
func (a *Account) Free() {
	if a.freed {
		return
	}
	a.identity.Priv.Zero()
	a.prekey.Priv.Zero()
	for id, pair := range a.oneTime {
		pair.Priv.Zero()
		delete(a.oneTime, id)
	}
	a.freed = true
}

// privateBundle assembles the private half needed to complete a key
// agreement, consuming the given one-time key (empty id means none pledged).
func (a *Account) privateBundle(oneTimeKeyID string) (*prekey.PrivateBundle, error) {
	if a.freed {
		return nil, ErrAccountFreed
	}
	priv := &prekey.PrivateBundle{
		IdentityKey: a.identity.Priv,
		Prekey:      a.prekey.Priv,
	}
	if oneTimeKeyID != "" {
		otk, err := a.ConsumeOneTimeKey(oneTimeKeyID)
		if err != nil {
			return nil, err
		}
		priv.OneTimeKey = otk
	}
	return priv, nil
}
