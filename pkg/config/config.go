// Package config loads process configuration from environment variables,
// optionally layered under a deployment profile YAML.
package config

import (
	"os"
	"strconv"
)

// Config holds central-process configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver selects the store backend: "sqlite" or "postgres".
	DatabaseDriver string
	DatabaseURL    string

	// Vault blob backend: "local", "s3", or "gcs".
	VaultBackend string
	VaultRoot    string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	GCSBucket    string

	KeyFile    string
	TenantFile string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTLS      bool

	// ApproverSecret signs and verifies approver identity tokens.
	ApproverSecret string

	// OTLPEndpoint enables OpenTelemetry export when set (host:port, gRPC).
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from environment variables with local-development
// defaults.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseDriver: getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenv("DATABASE_URL", "data/openclaw.db"),

		VaultBackend: getenv("VAULT_BACKEND", "local"),
		VaultRoot:    getenv("VAULT_ROOT", "data"),
		S3Bucket:     os.Getenv("VAULT_S3_BUCKET"),
		S3Region:     os.Getenv("VAULT_S3_REGION"),
		S3Endpoint:   os.Getenv("VAULT_S3_ENDPOINT"),
		GCSBucket:    os.Getenv("VAULT_GCS_BUCKET"),

		KeyFile:    getenv("KEY_FILE", "data/vc_keys.json"),
		TenantFile: getenv("TENANT_FILE", "config/vc_tenants.json"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getenvInt("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		SMTPTLS:      getenvBool("SMTP_TLS", true),

		ApproverSecret: os.Getenv("APPROVER_SECRET"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		Environment:  getenv("ENVIRONMENT", "development"),
	}
}

// GatewayConfig holds startup-agent configuration.
type GatewayConfig struct {
	Port         string
	StartupID    string
	FolderAlias  string
	FolderRoot   string
	SharedSecret string
	MaxArtifacts int

	RateLimitRPS   float64
	RateLimitBurst int
}

// LoadGateway reads gateway configuration from environment variables.
func LoadGateway() *GatewayConfig {
	return &GatewayConfig{
		Port:         getenv("GATEWAY_PORT", "8910"),
		StartupID:    os.Getenv("GATEWAY_STARTUP_ID"),
		FolderAlias:  getenv("GATEWAY_FOLDER_ALIAS", "desktop_common"),
		FolderRoot:   os.Getenv("GATEWAY_FOLDER_ROOT"),
		SharedSecret: os.Getenv("GATEWAY_SECRET"),
		MaxArtifacts: getenvInt("GATEWAY_MAX_ARTIFACTS", 200),

		RateLimitRPS:   getenvFloat("GATEWAY_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getenvInt("GATEWAY_RATE_LIMIT_BURST", 20),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
