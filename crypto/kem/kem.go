package kem

import (
	"errors"

	circlkem "github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// Kyber768 from CIRCL provides the post-quantum half of the hybrid handshake.
var scheme = kyber768.Scheme()

var (
	ErrInvalidPublicKey  = errors.New("invalid kem public key")
	ErrInvalidCiphertext = errors.New("invalid kem ciphertext")
	ErrNoPrivateKey      = errors.New("kem private key not available")
)

// Pair holds a Kyber768 key pair. Pub is the marshalled public key, ready to
// be sent in a handshake message; the private key never leaves the pair.
type Pair struct {
	Pub  []byte
	priv circlkem.PrivateKey
}

func NewPair() (*Pair, error) {
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Pair{Pub: pubBytes, priv: priv}, nil
}

// Encapsulate creates a fresh shared secret against peerPub and the
// ciphertext that lets the peer recover it.
func Encapsulate(peerPub []byte) (ciphertext, secret []byte, err error) {
	if len(peerPub) != scheme.PublicKeySize() {
		return nil, nil, ErrInvalidPublicKey
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(peerPub)
	if err != nil {
		return nil, nil, err
	}
	return scheme.Encapsulate(pub)
}

// Decapsulate recovers the shared secret from a ciphertext produced against
// this pair's public key.
func (p *Pair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if p == nil || p.priv == nil {
		return nil, ErrNoPrivateKey
	}
	if len(ciphertext) != scheme.CiphertextSize() {
		return nil, ErrInvalidCiphertext
	}
	return scheme.Decapsulate(p.priv, ciphertext)
}

// PublicKeySize returns the marshalled Kyber768 public key length.
func PublicKeySize() int { return scheme.PublicKeySize() }

// CiphertextSize returns the Kyber768 ciphertext length.
func CiphertextSize() int { return scheme.CiphertextSize() }

// SharedSecretSize returns the length of an encapsulated secret.
func SharedSecretSize() int { return scheme.SharedKeySize() }
