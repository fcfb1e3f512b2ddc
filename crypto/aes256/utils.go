package aes256

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var (
	ErrCiphertextLengthInvalid = errors.New("ciphertext length invalid")
	ErrKeyLengthInvalid        = errors.New("key length invalid")
)

func NewKey() ([]byte, error) {
	key := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, key)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts the plaintext using AES-256 in CBC mode with PKCS#7 padding.
func Encrypt(plaintext []byte, key [32]byte, iv [16]byte) (ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	paddedPlaintext := pkcs7Padding(plaintext[:], block.BlockSize())
	ciphertext = make([]byte, len(paddedPlaintext))

	mode := cipher.NewCBCEncrypter(block, iv[:])
	mode.CryptBlocks(ciphertext, paddedPlaintext)
	return ciphertext, nil
}

// Decrypt decrypts the ciphertext using AES-256 in CBC mode with PKCS#7 padding.
func Decrypt(ciphertext []byte, key [32]byte, iv [16]byte) (plaintext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrCiphertextLengthInvalid
	}

	mode := cipher.NewCBCDecrypter(block, iv[:])
	plaintext = make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext[:])

	return pkcs7Unpadding(plaintext), nil
}

// EncryptGCM encrypts the plaintext using AES-256-GCM and returns the
// ciphertext together with the random nonce used as IV. The key must be 32
// bytes; the PQ shared secret of an established session qualifies.
func EncryptGCM(plaintext []byte, key []byte) (ciphertext []byte, iv []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

// DecryptGCM decrypts an AES-256-GCM ciphertext produced by EncryptGCM.
// Authentication failure surfaces as the cipher.AEAD Open error.
func DecryptGCM(ciphertext []byte, key []byte, iv []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, ErrCiphertextLengthInvalid
	}
	return aead.Open(nil, iv, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Helper function for PKCS#7 padding
func pkcs7Padding(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padtext := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(data, padtext...)
}

// Helper function for PKCS#7 unpadding
func pkcs7Unpadding(data []byte) []byte {
	length := len(data)
	unpadding := int(data[length-1])
	if unpadding > length {
		return data
	}
	return data[:(length - unpadding)]
}
