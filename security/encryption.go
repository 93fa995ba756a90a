package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeyLength is the required master key size in bytes (AES-256).
	MasterKeyLength = 32

	// dataKeyLength is the size of the per-record data key in bytes.
	dataKeyLength = 32

	// saltLength is the size of the per-record HKDF salt in bytes.
	saltLength = 16
)

// keyWrapInfo is the HKDF info string binding derived keys to their purpose.
var keyWrapInfo = []byte("connect/v1/key-wrap")

// Vault seals and opens integration secrets using envelope encryption.
//
// Each secret is encrypted with a fresh random data key (AES-256-GCM). The
// data key is wrapped by a key-encryption key derived from the master key via
// HKDF-SHA256 with a per-record salt. Rotating the master key therefore only
// requires re-wrapping data keys, never re-encrypting the secrets themselves.
//
// Sealed blob layout (base64, standard encoding):
//
//	salt || kekNonce || wrappedDataKey || dekNonce || ciphertext
type Vault struct {
	master []byte
}

// NewVault creates a vault from a master key.
// The key must be exactly 32 bytes for AES-256.
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeyLength {
		return nil, fmt.Errorf("master key must be exactly %d bytes, got %d", MasterKeyLength, len(masterKey))
	}

	key := make([]byte, MasterKeyLength)
	copy(key, masterKey)

	return &Vault{master: key}, nil
}

// Seal encrypts plaintext under a fresh data key and returns the base64 blob.
func (v *Vault) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	kek, err := v.deriveWrapKey(salt)
	if err != nil {
		return "", err
	}

	dataKey := make([]byte, dataKeyLength)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return "", fmt.Errorf("failed to generate data key: %w", err)
	}

	kekGCM, err := newGCM(kek)
	if err != nil {
		return "", err
	}
	kekNonce := make([]byte, kekGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, kekNonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	wrappedDataKey := kekGCM.Seal(nil, kekNonce, dataKey, nil)

	dekGCM, err := newGCM(dataKey)
	if err != nil {
		return "", err
	}
	dekNonce := make([]byte, dekGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, dekNonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := dekGCM.Seal(nil, dekNonce, []byte(plaintext), nil)

	blob := make([]byte, 0, len(salt)+len(kekNonce)+len(wrappedDataKey)+len(dekNonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, kekNonce...)
	blob = append(blob, wrappedDataKey...)
	blob = append(blob, dekNonce...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a sealed blob produced by Seal.
func (v *Vault) Open(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode blob: %w", err)
	}

	// Fixed segment sizes: salt(16) + nonce(12) + wrapped key(32+16) + nonce(12).
	const nonceSize = 12
	const wrappedKeySize = dataKeyLength + 16
	minLen := saltLength + nonceSize + wrappedKeySize + nonceSize
	if len(blob) < minLen {
		return "", fmt.Errorf("sealed blob too short")
	}

	salt := blob[:saltLength]
	kekNonce := blob[saltLength : saltLength+nonceSize]
	wrappedDataKey := blob[saltLength+nonceSize : saltLength+nonceSize+wrappedKeySize]
	dekNonce := blob[saltLength+nonceSize+wrappedKeySize : minLen]
	ciphertext := blob[minLen:]

	kek, err := v.deriveWrapKey(salt)
	if err != nil {
		return "", err
	}

	kekGCM, err := newGCM(kek)
	if err != nil {
		return "", err
	}
	dataKey, err := kekGCM.Open(nil, kekNonce, wrappedDataKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to unwrap data key: %w", err)
	}

	dekGCM, err := newGCM(dataKey)
	if err != nil {
		return "", err
	}
	plaintext, err := dekGCM.Open(nil, dekNonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

// deriveWrapKey derives the key-encryption key for a record from the master
// key and the record's salt.
func (v *Vault) deriveWrapKey(salt []byte) ([]byte, error) {
	kek := make([]byte, dataKeyLength)
	r := hkdf.New(sha256.New, v.master, salt, keyWrapInfo)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("failed to derive wrap key: %w", err)
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey generates a new 32-byte master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// MasterKeyFromBase64 decodes a base64-encoded master key.
func MasterKeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != MasterKeyLength {
		return nil, fmt.Errorf("key must be %d bytes, got %d", MasterKeyLength, len(key))
	}
	return key, nil
}

// MasterKeyToBase64 encodes a master key to base64.
func MasterKeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
