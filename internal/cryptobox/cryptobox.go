// Package cryptobox provides the symmetric authenticated encryption used to
// protect entry payloads and member metadata before they enter the shared
// document.
//
// Keys are 32-byte XChaCha20-Poly1305 keys. Every call to Encrypt draws a
// fresh 24-byte random nonce, so the same plaintext never produces the same
// ciphertext twice.
package cryptobox

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// KeySize is the length in bytes of an exported key.
const KeySize = chacha20poly1305.KeySize

// ErrDecryption is returned for every failure to open a sealed payload.
// Wrong keys and corrupted data are deliberately indistinguishable.
var ErrDecryption = sentinel.ErrDecryption

// Key is a symmetric group key.
type Key struct {
	raw [KeySize]byte
}

// Sealed is an encrypted payload together with the nonce it was sealed with.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// GenerateKey creates a new random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k.raw[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return k, nil
}

// ExportKey returns the raw key bytes. The same key always exports to the
// same bytes.
func ExportKey(k Key) []byte {
	out := make([]byte, KeySize)
	copy(out, k.raw[:])
	return out
}

// ImportKey rebuilds a key from bytes produced by ExportKey.
func ImportKey(b []byte) (Key, error) {
	if len(b) != KeySize {
		return Key{}, fmt.Errorf("invalid key length %d, want %d", len(b), KeySize)
	}
	var k Key
	copy(k.raw[:], b)
	return k, nil
}

// Equal reports whether two keys hold the same material.
func (k Key) Equal(other Key) bool {
	return k.raw == other.raw
}

// IsZero reports whether the key was never initialized.
func (k Key) IsZero() bool {
	return k.raw == [KeySize]byte{}
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext []byte, key Key) (Sealed, error) {
	aead, err := chacha20poly1305.NewX(key.raw[:])
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return Sealed{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens a sealed payload. Any tampering with the ciphertext or nonce,
// or a wrong key, yields ErrDecryption.
func Decrypt(s Sealed, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.raw[:])
	if err != nil {
		return nil, ErrDecryption
	}
	if len(s.Nonce) != aead.NonceSize() {
		return nil, ErrDecryption
	}

	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals the result.
//
// Serialization is lossy in the usual encoding/json way: fields tagged
// omitempty that hold their zero value are not written, so they come back
// as zero values rather than as explicitly set ones.
func EncryptJSON(v any, key Key) (Sealed, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Encrypt(data, key)
}

// DecryptJSON opens s and unmarshals the plaintext into v.
func DecryptJSON(s Sealed, key Key, v any) error {
	data, err := Decrypt(s, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrDecryption
	}
	return nil
}
