// Package crypto seals the terminal's auth token at rest.
// Uses AES-256-GCM for authenticated encryption with an HKDF-derived key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

const keyInfo = "depotvente:auth-token"

// DeriveKey derives a 32-byte key from secret with HKDF-SHA256.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext).
func Encrypt(plaintext, secret []byte) (string, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt reverses Encrypt. Any tampering or a wrong secret yields
// ErrInvalidCiphertext.
func Decrypt(ciphertext string, secret []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// SealToken encrypts an auth token with a key bound to machineID.
// An empty machineID falls back to the host's identifier.
func SealToken(token, machineID string) (string, error) {
	return Encrypt([]byte(token), []byte(machineSecret(machineID)))
}

// OpenToken decrypts a token sealed by SealToken. An empty input means no
// token is stored.
func OpenToken(sealed, machineID string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	plaintext, err := Decrypt(sealed, []byte(machineSecret(machineID)))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func machineSecret(machineID string) string {
	if machineID == "" {
		machineID = MachineIdentifier()
	}
	return "depotvente:" + machineID
}

// MachineIdentifier returns a stable identifier for this host.
func MachineIdentifier() string {
	if runtime.GOOS == "linux" {
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "linux:" + id
				}
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
