// Package keystore holds per-tenant AES-256-GCM data keys and performs
// authenticated encryption with caller-supplied AAD.
//
// Keys live in a single JSON file; each tenant entry carries the base64 key
// material and a monotonically increasing version. Rotation replaces the key
// material: envelopes sealed under an older key_version are unrecoverable
// after rotation.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const keySize = 32 // AES-256

// ErrUnknownTenant is returned when decrypting for a tenant with no key.
var ErrUnknownTenant = errors.New("keystore: unknown tenant")

// Envelope is the on-disk ciphertext container.
type Envelope struct {
	Alg           string    `json:"alg"`
	KeyVersion    int       `json:"key_version"`
	NonceB64      string    `json:"nonce_b64"`
	CiphertextB64 string    `json:"ciphertext_b64"`
	CreatedAt     time.Time `json:"created_at"`
}

type keyEntry struct {
	WrappedKey string    `json:"wrapped_key"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

type keyFile struct {
	Keys map[string]keyEntry `json:"keys"`
}

// Store manages the tenant key file. All file access is serialized; the
// central process is the only writer.
type Store struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// NewStore creates a key store backed by the JSON file at path. The file is
// created lazily on first key use.
func NewStore(path string) *Store {
	return &Store{path: path, clock: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// EnsureKey returns the current key version for the tenant, creating a fresh
// 32-byte key at version 1 if none exists.
func (s *Store) EnsureKey(tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kf, err := s.load()
	if err != nil {
		return 0, err
	}
	if entry, ok := kf.Keys[tenantID]; ok {
		return entry.Version, nil
	}

	entry, err := s.newEntry(1)
	if err != nil {
		return 0, err
	}
	kf.Keys[tenantID] = entry
	if err := s.save(kf); err != nil {
		return 0, err
	}
	return entry.Version, nil
}

// RotateKey replaces the tenant's key with fresh material at version+1.
// A missing tenant rotates from nothing to version 1.
func (s *Store) RotateKey(tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kf, err := s.load()
	if err != nil {
		return 0, err
	}
	version := 1
	if entry, ok := kf.Keys[tenantID]; ok {
		version = entry.Version + 1
	}
	entry, err := s.newEntry(version)
	if err != nil {
		return 0, err
	}
	kf.Keys[tenantID] = entry
	if err := s.save(kf); err != nil {
		return 0, err
	}
	return version, nil
}

// Encrypt seals plaintext under the tenant's current key with a 12-byte
// random nonce, binding the ciphertext to aad. A missing key is created.
func (s *Store) Encrypt(tenantID string, plaintext, aad []byte) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kf, err := s.load()
	if err != nil {
		return nil, err
	}
	entry, ok := kf.Keys[tenantID]
	if !ok {
		entry, err = s.newEntry(1)
		if err != nil {
			return nil, err
		}
		kf.Keys[tenantID] = entry
		if err := s.save(kf); err != nil {
			return nil, err
		}
	}

	gcm, err := gcmFor(entry)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce generation failed: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	return &Envelope{
		Alg:           "AES-256-GCM",
		KeyVersion:    entry.Version,
		NonceB64:      base64.StdEncoding.EncodeToString(nonce),
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		CreatedAt:     s.clock(),
	}, nil
}

// Decrypt opens an envelope with the tenant's current key. An envelope
// sealed under a rotated-away key version fails authentication.
func (s *Store) Decrypt(tenantID string, env *Envelope, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kf, err := s.load()
	if err != nil {
		return nil, err
	}
	entry, ok := kf.Keys[tenantID]
	if !ok {
		return nil, ErrUnknownTenant
	}

	gcm, err := gcmFor(entry)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad ciphertext encoding: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("keystore: bad nonce length")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt failed: %w", err)
	}
	return plaintext, nil
}

// KeyVersion returns the tenant's current key version, or 0 if absent.
func (s *Store) KeyVersion(tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kf, err := s.load()
	if err != nil {
		return 0, err
	}
	return kf.Keys[tenantID].Version, nil
}

func (s *Store) newEntry(version int) (keyEntry, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return keyEntry{}, fmt.Errorf("keystore: key generation failed: %w", err)
	}
	return keyEntry{
		WrappedKey: base64.StdEncoding.EncodeToString(key),
		Version:    version,
		CreatedAt:  s.clock(),
	}, nil
}

func gcmFor(entry keyEntry) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(entry.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: bad key encoding: %w", err)
	}
	if len(key) != keySize {
		return nil, errors.New("keystore: key must be 32 bytes for AES-256")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: cipher init failed: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) load() (*keyFile, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &keyFile{Keys: make(map[string]keyEntry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", s.path, err)
	}
	if kf.Keys == nil {
		kf.Keys = make(map[string]keyEntry)
	}
	return &kf, nil
}

// save writes the key file atomically (temp file + rename) with 0600 mode.
func (s *Store) save(kf *keyFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("keystore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("keystore: rename: %w", err)
	}
	return nil
}
