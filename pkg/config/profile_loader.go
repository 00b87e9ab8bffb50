package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment profile: a named YAML overlay applied on top of
// environment configuration (e.g. profile_dev.yaml, profile_prod.yaml).
type Profile struct {
	Name     string         `yaml:"name" json:"name"`
	Code     string         `yaml:"code" json:"code"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Vault    VaultConfig    `yaml:"vault" json:"vault"`
	SMTP     SMTPConfig     `yaml:"smtp" json:"smtp"`
	OAuth    OAuthConfig    `yaml:"oauth" json:"oauth"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

// DatabaseConfig selects and locates the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" | "postgres"
	URL    string `yaml:"url" json:"url"`
}

// VaultConfig selects the blob backend for encrypted bundles.
type VaultConfig struct {
	Backend  string `yaml:"backend" json:"backend"` // "local" | "s3" | "gcs"
	Root     string `yaml:"root,omitempty" json:"root,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// SMTPConfig holds dispatch email settings. TLS is a pointer so a profile
// can switch the flag either way without clobbering the env default.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	From     string `yaml:"from" json:"from"`
	TLS      *bool  `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// OAuthConfig holds provider endpoint overrides, keyed by provider name.
type OAuthConfig struct {
	Providers map[string]OAuthProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// OAuthProviderConfig overrides one provider's endpoints.
type OAuthProviderConfig struct {
	AuthURL  string `yaml:"auth_url" json:"auth_url"`
	TokenURL string `yaml:"token_url" json:"token_url"`
}

// RedisConfig locates the shared rate-limiter backend.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile's non-empty values onto the config.
func (p *Profile) Apply(c *Config) {
	if p.Database.Driver != "" {
		c.DatabaseDriver = p.Database.Driver
	}
	if p.Database.URL != "" {
		c.DatabaseURL = p.Database.URL
	}
	if p.Vault.Backend != "" {
		c.VaultBackend = p.Vault.Backend
	}
	if p.Vault.Root != "" {
		c.VaultRoot = p.Vault.Root
	}
	if p.Vault.Bucket != "" {
		c.S3Bucket = p.Vault.Bucket
		c.GCSBucket = p.Vault.Bucket
	}
	if p.Vault.Region != "" {
		c.S3Region = p.Vault.Region
	}
	if p.Vault.Endpoint != "" {
		c.S3Endpoint = p.Vault.Endpoint
	}
	if p.SMTP.Host != "" {
		c.SMTPHost = p.SMTP.Host
	}
	if p.SMTP.Port != 0 {
		c.SMTPPort = p.SMTP.Port
	}
	if p.SMTP.Username != "" {
		c.SMTPUsername = p.SMTP.Username
	}
	if p.SMTP.Password != "" {
		c.SMTPPassword = p.SMTP.Password
	}
	if p.SMTP.From != "" {
		c.SMTPFrom = p.SMTP.From
	}
	if p.SMTP.TLS != nil {
		c.SMTPTLS = *p.SMTP.TLS
	}
	if p.Redis.Addr != "" {
		c.RedisAddr = p.Redis.Addr
		c.RedisPassword = p.Redis.Password
		c.RedisDB = p.Redis.DB
	}
}
