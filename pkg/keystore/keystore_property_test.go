package keystore

import (
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestEncryptDecryptProperties(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "vc_keys.json"))

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip recovers plaintext for any payload and AAD", prop.ForAll(
		func(plaintext []byte, aad string) bool {
			env, err := s.Encrypt("acme", plaintext, []byte(aad))
			if err != nil {
				return false
			}
			got, err := s.Decrypt("acme", env, []byte(aad))
			if err != nil {
				return false
			}
			if len(plaintext) == 0 {
				return len(got) == 0
			}
			return string(got) == string(plaintext)
		},
		gen.SliceOf(gen.UInt8()),
		gen.AlphaString(),
	))

	properties.Property("ciphertext never equals plaintext", prop.ForAll(
		func(plaintext string) bool {
			if plaintext == "" {
				return true
			}
			env, err := s.Encrypt("acme", []byte(plaintext), nil)
			if err != nil {
				return false
			}
			return env.CiphertextB64 != plaintext
		},
		gen.AlphaString(),
	))

	properties.Property("tampered AAD always fails", prop.ForAll(
		func(plaintext string, aad string) bool {
			env, err := s.Encrypt("acme", []byte(plaintext), []byte(aad))
			if err != nil {
				return false
			}
			_, err = s.Decrypt("acme", env, []byte(aad+"x"))
			return err != nil
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
