package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const nonceSizeGCM = 12

// pbkdf2Iterations follows the OWASP 2023 guidance for PBKDF2-HMAC-SHA256.
const pbkdf2Iterations = 600000

// PassphraseEnv overrides the machine-id derived store key.
const PassphraseEnv = "AGENTDESK_STORE_PASSPHRASE"

// Hooks for tests.
var (
	encRandReader  io.Reader = rand.Reader
	encNewGCM                = cipher.NewGCM
	keySourceRead            = os.ReadFile
	keySourceGetenv          = os.Getenv
)

// NewEncryptedStore returns a FileStore whose document is sealed with
// AES-256-GCM. key must be 32 bytes (see DefaultKeySource).
func NewEncryptedStore(path string, key []byte) (*FileStore, error) {
	if len(key) != 32 {
		return nil, errors.New("store: key must be 32 bytes")
	}
	return &FileStore{path: path, codec: gcmCodec{key: key}, perm: 0600}, nil
}

type gcmCodec struct {
	key []byte
}

func (c gcmCodec) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return encNewGCM(block)
}

func (c gcmCodec) seal(plain []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(encRandReader, nonce); err != nil {
		return nil, fmt.Errorf("store nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (c gcmCodec) open(data []byte) ([]byte, error) {
	if len(data) < nonceSizeGCM {
		return nil, errors.New("store: encrypted file truncated")
	}
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}
	nonce, ciphertext := data[:nonceSizeGCM], data[nonceSizeGCM:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("store decrypt: %w", err)
	}
	return plain, nil
}

// DefaultKeySource returns a 32-byte key from AGENTDESK_STORE_PASSPHRASE or,
// on Linux, /etc/machine-id.
func DefaultKeySource() ([]byte, error) {
	if s := keySourceGetenv(PassphraseEnv); s != "" {
		return DeriveKey(s), nil
	}
	const machineIDPath = "/etc/machine-id"
	b, err := keySourceRead(machineIDPath)
	if err != nil {
		return nil, fmt.Errorf("store: set %s or ensure %s exists: %w", PassphraseEnv, machineIDPath, err)
	}
	for i, c := range b {
		if c == '\n' || c == '\r' {
			b = b[:i]
			break
		}
	}
	if len(b) == 0 {
		return nil, errors.New("store: machine-id is empty")
	}
	return DeriveKey(string(b)), nil
}

// DeriveKey returns a 32-byte key from a passphrase. The salt is fixed so the
// same passphrase opens the store on every start.
func DeriveKey(passphrase string) []byte {
	const salt = "agentdesk-store-v1"
	return pbkdf2.Key([]byte(passphrase), []byte(salt), pbkdf2Iterations, 32, sha256.New)
}
