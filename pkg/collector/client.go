package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/gateway"
)

// Per-call timeouts for gateway operations.
const (
	healthTimeout   = 10 * time.Second
	manifestTimeout = 30 * time.Second
	contentTimeout  = 30 * time.Second
)

// GatewayClient is the collector's view of a startup-side gateway.
type GatewayClient interface {
	Health(ctx context.Context) (*HealthStatus, error)
	Manifest(ctx context.Context, req ManifestRequest) ([]contracts.ManifestEntry, error)
	ArtifactContent(ctx context.Context, startupID, relPath string) (*contracts.ArtifactContent, error)
}

// HealthStatus is the gateway liveness response.
type HealthStatus struct {
	OK        bool     `json:"ok"`
	StartupID string   `json:"startup_id"`
	Folders   []string `json:"folders"`
	Timestamp string   `json:"timestamp"`
}

// ManifestRequest asks a gateway to enumerate artifacts.
type ManifestRequest struct {
	StartupID    string   `json:"startup_id"`
	RequestID    string   `json:"request_id"`
	WindowFrom   string   `json:"window_from,omitempty"`
	WindowTo     string   `json:"window_to,omitempty"`
	DocTypes     []string `json:"doc_types,omitempty"`
	IncludeOCR   bool     `json:"include_ocr"`
	FolderAlias  string   `json:"folder_alias,omitempty"`
	MaxArtifacts int      `json:"max_artifacts,omitempty"`
}

// Client talks to one gateway over HTTP with HMAC-signed requests.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	clock   func() time.Time
}

// NewClient creates a signed gateway client.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{},
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collector: health call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("collector: health decode failed: %w", err)
	}
	return &status, nil
}

func (c *Client) Manifest(ctx context.Context, mreq ManifestRequest) ([]contracts.ManifestEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, manifestTimeout)
	defer cancel()

	var out struct {
		OK        bool                      `json:"ok"`
		Error     string                    `json:"error"`
		Artifacts []contracts.ManifestEntry `json:"artifacts"`
	}
	if err := c.post(ctx, "/manifest", mreq, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("collector: manifest rejected: %s", out.Error)
	}
	return out.Artifacts, nil
}

func (c *Client) ArtifactContent(ctx context.Context, startupID, relPath string) (*contracts.ArtifactContent, error) {
	ctx, cancel := context.WithTimeout(ctx, contentTimeout)
	defer cancel()

	var out struct {
		OK       bool                       `json:"ok"`
		Error    string                     `json:"error"`
		Artifact *contracts.ArtifactContent `json:"artifact"`
	}
	payload := map[string]string{"startup_id": startupID, "rel_path": relPath}
	if err := c.post(ctx, "/artifact-content", payload, &out); err != nil {
		return nil, err
	}
	if !out.OK || out.Artifact == nil {
		return nil, fmt.Errorf("collector: artifact-content rejected for %s: %s", relPath, out.Error)
	}
	return out.Artifact, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		ts := strconv.FormatInt(c.clock().Unix(), 10)
		req.Header.Set(gateway.HeaderTimestamp, ts)
		req.Header.Set(gateway.HeaderSignature, gateway.Sign(c.secret, ts, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("collector: %s call failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, gateway.MaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("collector: %s read failed: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("collector: %s decode failed (status %d): %w", path, resp.StatusCode, err)
	}
	return nil
}
