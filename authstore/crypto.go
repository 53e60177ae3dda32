package authstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// hashKey derives the store-level key suffix from an opaque identifier.
func hashKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// deriveKey expands the opaque record identifier into a 256-bit cipher key.
// The record type acts as HKDF info so identical identifiers under different
// prefixes never share a key.
func deriveKey(id, recordType string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(id), nil, []byte("mcprelay:"+recordType))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal encrypts plaintext with AES-256-GCM under a key derived from id.
func seal(id, recordType string, plaintext []byte) ([]byte, error) {
	key, err := deriveKey(id, recordType)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts data sealed by seal with the same id and record type.
func open(id, recordType string, data []byte) ([]byte, error) {
	key, err := deriveKey(id, recordType)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
