package hkdf

import (
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"conference-e2ee/configs"
	"conference-e2ee/crypto"
)

// New32BytesKeyFromSecret derives a new 32-byte key from a secret using HKDF
func New32BytesKeyFromSecret(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	if err := Expand(secret, configs.HKDFInfo, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Expand fills buffer with HKDF output keyed by secret, with a nil salt and
// the given info label. Used for SAS byte strings and SAS MAC keys, where the
// transcript rides in info.
func Expand(secret, info, buffer []byte) error {
	hkdfReader := hkdf.New(crypto.DefaultHashFunc, secret, nil, info)
	_, err := io.ReadFull(hkdfReader, buffer)
	return err
}

// KDF to help with the ratchet
func KDF(hash func() hash.Hash, keyMaterial []byte, salt []byte, info []byte, buffer []byte) (int, error) {
	hkdfReader := hkdf.New(hash, keyMaterial[:], salt[:], info)
	return io.ReadFull(hkdfReader, buffer)
}
