package config

import (
	"os"
	"path/filepath"
	"testing"
)

const devProfile = `
name: Development
code: dev
database:
  driver: sqlite
  url: data/dev.db
vault:
  backend: local
  root: data
smtp:
  host: localhost
  port: 1025
  from: dev@openclaw.local
`

const prodProfile = `
name: Production
database:
  driver: postgres
  url: postgres://openclaw@db:5432/openclaw
vault:
  backend: s3
  bucket: openclaw-vault
  region: ap-northeast-2
redis:
  addr: redis:6379
  db: 1
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "profile_dev.yaml"), []byte(devProfile), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "profile_prod.yaml"), []byte(prodProfile), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadProfile(t *testing.T) {
	dir := writeProfiles(t)

	p, err := LoadProfile(dir, "DEV")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Code != "dev" {
		t.Errorf("expected code dev, got %s", p.Code)
	}
	if p.SMTP.Port != 1025 {
		t.Errorf("expected smtp port 1025, got %d", p.SMTP.Port)
	}
}

func TestLoadProfileMissing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfilesDerivesCode(t *testing.T) {
	dir := writeProfiles(t)

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	// prod has no explicit code; derived from the filename.
	if _, ok := profiles["prod"]; !ok {
		t.Error("expected prod profile keyed by derived code")
	}
}

func TestProfileApply(t *testing.T) {
	dir := writeProfiles(t)
	p, err := LoadProfile(dir, "prod")
	if err != nil {
		t.Fatal(err)
	}

	cfg := Load()
	p.Apply(cfg)

	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.DatabaseDriver)
	}
	if cfg.VaultBackend != "s3" || cfg.S3Bucket != "openclaw-vault" {
		t.Errorf("unexpected vault config: %+v", cfg)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 1 {
		t.Errorf("unexpected redis config: %+v", cfg)
	}
	// Values the profile does not set keep their env defaults.
	if cfg.KeyFile != "data/vc_keys.json" {
		t.Errorf("key file should be untouched, got %s", cfg.KeyFile)
	}
}
