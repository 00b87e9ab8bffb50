package keystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	fixed := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	return NewStore(filepath.Join(t.TempDir(), "vc_keys.json")).
		WithClock(func() time.Time { return fixed })
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := testStore(t)

	plaintext := []byte("artifact payload")
	aad := []byte("col_20260210_abc123")

	env, err := s.Encrypt("acme", plaintext, aad)
	require.NoError(t, err)
	assert.Equal(t, "AES-256-GCM", env.Alg)
	assert.Equal(t, 1, env.KeyVersion)

	got, err := s.Decrypt("acme", env, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecryptWrongAADFails(t *testing.T) {
	s := testStore(t)

	env, err := s.Encrypt("acme", []byte("payload"), []byte("col_a"))
	require.NoError(t, err)

	_, err = s.Decrypt("acme", env, []byte("col_b"))
	assert.Error(t, err, "mismatched AAD must fail authentication")
}

func TestDecryptCrossTenantFails(t *testing.T) {
	s := testStore(t)

	env, err := s.Encrypt("acme", []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	// Give beta its own key, then try to open acme's envelope with it.
	_, err = s.EnsureKey("beta")
	require.NoError(t, err)

	_, err = s.Decrypt("beta", env, []byte("aad"))
	assert.Error(t, err, "another tenant's key must not open the envelope")
}

func TestEnsureKeyIdempotent(t *testing.T) {
	s := testStore(t)

	v1, err := s.EnsureKey("acme")
	require.NoError(t, err)
	v2, err := s.EnsureKey("acme")
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, v1, v2)
}

func TestRotateKeyInvalidatesOldEnvelopes(t *testing.T) {
	s := testStore(t)

	env, err := s.Encrypt("acme", []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	v, err := s.RotateKey("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = s.Decrypt("acme", env, []byte("aad"))
	assert.Error(t, err, "envelope sealed under rotated-away key must not open")

	env2, err := s.Encrypt("acme", []byte("payload"), []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, 2, env2.KeyVersion)
}

func TestDecryptUnknownTenant(t *testing.T) {
	s := testStore(t)

	_, err := s.Decrypt("ghost", &Envelope{}, nil)
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestKeyFilePersistsAcrossStores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vc_keys.json")

	s1 := NewStore(path)
	env, err := s1.Encrypt("acme", []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	s2 := NewStore(path)
	got, err := s2.Decrypt("acme", env, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}
