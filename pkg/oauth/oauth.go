// Package oauth manages per-tenant third-party credentials: client config and
// token payloads are envelope-encrypted at rest, with refresh-token rotation
// against the provider's token endpoint.
//
// State machine per connection: awaiting_credentials -> pending_consent ->
// connected -> {connected (refresh), revoked}. The error state may be entered
// from any state.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/keystore"
	"github.com/openclaw/core/pkg/store"
)

const (
	// DefaultMinValidSeconds is the remaining-lifetime threshold below which
	// a non-forced refresh actually hits the provider.
	DefaultMinValidSeconds = 120

	// requestTimeout bounds every provider HTTP call.
	requestTimeout = 20 * time.Second

	clientEnvelopeKey = "oauth_client_envelope"
	tokenEnvelopeKey  = "oauth_token_envelope"
	tokenExpiresKey   = "token_expires_at"

	// DefaultMode marks tenant-supplied OAuth apps.
	DefaultMode = "byo_oauth"
)

// Endpoints locates a provider's authorization and token URLs.
type Endpoints struct {
	AuthURL  string
	TokenURL string
}

var defaultEndpoints = map[string]Endpoints{
	"google": {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
}

// clientConfig is the envelope-encrypted client secret bundle.
type clientConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

// tokenPayload is the envelope-encrypted provider token set.
type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// Service drives the connection lifecycle.
type Service struct {
	store     store.Store
	keys      *keystore.Store
	audit     audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
	http      *http.Client
	endpoints map[string]Endpoints
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithEndpoints overrides a provider's endpoint pair, e.g. to point tests at
// a local server.
func WithEndpoints(provider string, eps Endpoints) Option {
	return func(s *Service) { s.endpoints[provider] = eps }
}

// WithHTTPClient overrides the provider HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.http = c }
}

// New creates an OAuth lifecycle service.
func New(st store.Store, keys *keystore.Store, auditLog audit.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		keys:      keys,
		audit:     auditLog,
		logger:    slog.Default(),
		clock:     func() time.Time { return time.Now().UTC() },
		http:      &http.Client{Timeout: requestTimeout},
		endpoints: map[string]Endpoints{},
	}
	for provider, eps := range defaultEndpoints {
		s.endpoints[provider] = eps
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectRequest carries the tenant's OAuth app credentials.
type ConnectRequest struct {
	StartupID    string
	Provider     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// ConnectResult reports the new connection and, when credentials were
// provided, the consent URL to visit.
type ConnectResult struct {
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"`
	ConsentURL   string `json:"consent_url,omitempty"`
}

// Connect creates a connection. With client credentials present they are
// sealed under AAD=connection_id and the connection waits for user consent;
// without them it waits for credentials.
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if req.StartupID == "" || req.Provider == "" {
		return nil, fmt.Errorf("oauth: startup_id and provider are required")
	}
	eps, ok := s.endpoints[req.Provider]
	if !ok {
		return nil, fmt.Errorf("oauth: unknown provider %q", req.Provider)
	}

	now := s.clock()
	connectionID := uuid.New().String()
	conn := &contracts.Connection{
		ConnectionID: connectionID,
		StartupID:    req.StartupID,
		Provider:     req.Provider,
		Mode:         DefaultMode,
		Status:       contracts.ConnectionAwaitingCredentials,
		Scopes:       req.Scopes,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.RedirectURI != "" {
		conn.Metadata["redirect_uri"] = req.RedirectURI
	}

	result := &ConnectResult{ConnectionID: connectionID}
	if req.ClientID != "" && req.ClientSecret != "" {
		env, err := s.sealJSON(req.StartupID, clientConfig{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			RedirectURI:  req.RedirectURI,
		}, connectionID)
		if err != nil {
			return nil, err
		}
		conn.Metadata[clientEnvelopeKey] = env
		conn.Metadata["client_id_masked"] = MaskClientID(req.ClientID)
		conn.Status = contracts.ConnectionPendingConsent
		result.ConsentURL = consentURL(eps.AuthURL, req.ClientID, req.RedirectURI, req.Scopes, connectionID)
	}
	result.Status = conn.Status

	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	_ = s.audit.Record(req.StartupID, "system", audit.EventCredential, "connect",
		"connection/"+connectionID, map[string]any{"provider": req.Provider, "status": conn.Status})
	return result, nil
}

// ExchangeCode trades an authorization code for tokens and seals them under
// AAD=<connection_id>:token.
func (s *Service) ExchangeCode(ctx context.Context, connectionID, code string) (*SanitizedConnection, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == contracts.ConnectionRevoked {
		return nil, fmt.Errorf("oauth: connection %s is revoked", connectionID)
	}
	cfg, err := s.openClientConfig(conn)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
		"redirect_uri":  {cfg.RedirectURI},
	}
	payload, err := s.tokenRequest(ctx, conn, form)
	if err != nil {
		return nil, s.markError(ctx, conn, err)
	}
	if err := s.storeToken(ctx, conn, payload); err != nil {
		return nil, err
	}

	_ = s.audit.Record(conn.StartupID, "system", audit.EventCredential, "exchange_code",
		"connection/"+connectionID, map[string]any{"provider": conn.Provider})
	fresh, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return sanitize(fresh), nil
}

// RefreshResult reports whether a refresh hit the provider.
type RefreshResult struct {
	ConnectionID string    `json:"connection_id"`
	Refreshed    bool      `json:"refreshed"`
	ExpiresAt    time.Time `json:"token_expires_at"`
}

// RefreshToken rotates the access token. Without force, a token with more
// than minValidSeconds of remaining lifetime is left alone. A provider
// response that omits refresh_token keeps the stored one.
func (s *Service) RefreshToken(ctx context.Context, connectionID string, force bool, minValidSeconds int) (*RefreshResult, error) {
	if minValidSeconds <= 0 {
		minValidSeconds = DefaultMinValidSeconds
	}
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == contracts.ConnectionRevoked {
		return nil, fmt.Errorf("oauth: connection %s is revoked", connectionID)
	}

	token, err := s.openToken(conn)
	if err != nil {
		return nil, err
	}
	expiresAt := tokenExpiry(conn)
	now := s.clock()
	if !force && expiresAt.Sub(now) > time.Duration(minValidSeconds)*time.Second {
		return &RefreshResult{ConnectionID: connectionID, Refreshed: false, ExpiresAt: expiresAt}, nil
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("oauth: connection %s has no refresh token", connectionID)
	}

	cfg, err := s.openClientConfig(conn)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {token.RefreshToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	fresh, err := s.tokenRequest(ctx, conn, form)
	if err != nil {
		return nil, s.markError(ctx, conn, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	if err := s.storeToken(ctx, conn, fresh); err != nil {
		return nil, err
	}

	_ = s.audit.Record(conn.StartupID, "system", audit.EventCredential, "refresh_token",
		"connection/"+connectionID, map[string]any{"provider": conn.Provider})
	return &RefreshResult{
		ConnectionID: connectionID,
		Refreshed:    true,
		ExpiresAt:    s.clock().Add(time.Duration(fresh.ExpiresIn) * time.Second),
	}, nil
}

// SanitizedConnection is a connection row with envelopes scrubbed.
type SanitizedConnection struct {
	ConnectionID   string         `json:"connection_id"`
	StartupID      string         `json:"startup_id"`
	Provider       string         `json:"provider"`
	Mode           string         `json:"mode"`
	Status         string         `json:"status"`
	Scopes         []string       `json:"scopes"`
	Metadata       map[string]any `json:"metadata"`
	TokenExpiresAt string         `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
}

// Status lists a tenant's connections with secrets scrubbed.
func (s *Service) Status(ctx context.Context, startupID string) ([]SanitizedConnection, error) {
	conns, err := s.store.ListConnections(ctx, startupID)
	if err != nil {
		return nil, err
	}
	out := make([]SanitizedConnection, 0, len(conns))
	for i := range conns {
		out = append(out, *sanitize(&conns[i]))
	}
	return out, nil
}

// TestResult reports connectability.
type TestResult struct {
	ConnectionID  string `json:"connection_id"`
	IsConnectable bool   `json:"is_connectable"`
	Refreshed     bool   `json:"refreshed,omitempty"`
}

// Test checks whether the connection is usable, optionally refreshing first.
func (s *Service) Test(ctx context.Context, connectionID string, refresh bool) (*TestResult, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	result := &TestResult{
		ConnectionID: connectionID,
		IsConnectable: conn.Status != contracts.ConnectionRevoked &&
			conn.Status != contracts.ConnectionError,
	}
	if refresh && result.IsConnectable {
		rr, err := s.RefreshToken(ctx, connectionID, false, 0)
		if err != nil {
			result.IsConnectable = false
			return result, nil
		}
		result.Refreshed = rr.Refreshed
	}
	return result, nil
}

// Revoke marks the connection revoked with the reason kept in metadata.
func (s *Service) Revoke(ctx context.Context, connectionID, reason string) (*SanitizedConnection, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	conn.Status = contracts.ConnectionRevoked
	conn.RevokedAt = &now
	conn.UpdatedAt = now
	if conn.Metadata == nil {
		conn.Metadata = map[string]any{}
	}
	if reason != "" {
		conn.Metadata["revoke_reason"] = reason
	}
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	_ = s.audit.Record(conn.StartupID, "system", audit.EventCredential, "revoke",
		"connection/"+connectionID, map[string]any{"reason": reason})
	return sanitize(conn), nil
}

// -- internals --------------------------------------------------------------

func (s *Service) sealJSON(startupID string, v any, aad string) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	env, err := s.keys.Encrypt(startupID, raw, []byte(aad))
	if err != nil {
		return nil, err
	}
	return envelopeToMap(env)
}

func (s *Service) openJSON(startupID string, envMap any, aad string, out any) error {
	env, err := envelopeFromMap(envMap)
	if err != nil {
		return err
	}
	raw, err := s.keys.Decrypt(startupID, env, []byte(aad))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Service) openClientConfig(conn *contracts.Connection) (*clientConfig, error) {
	envMap, ok := conn.Metadata[clientEnvelopeKey]
	if !ok {
		return nil, fmt.Errorf("oauth: connection %s has no client credentials", conn.ConnectionID)
	}
	var cfg clientConfig
	if err := s.openJSON(conn.StartupID, envMap, conn.ConnectionID, &cfg); err != nil {
		return nil, fmt.Errorf("oauth: open client config: %w", err)
	}
	return &cfg, nil
}

func (s *Service) openToken(conn *contracts.Connection) (*tokenPayload, error) {
	envMap, ok := conn.Metadata[tokenEnvelopeKey]
	if !ok {
		return nil, fmt.Errorf("oauth: connection %s has no token", conn.ConnectionID)
	}
	var token tokenPayload
	if err := s.openJSON(conn.StartupID, envMap, conn.ConnectionID+":token", &token); err != nil {
		return nil, fmt.Errorf("oauth: open token: %w", err)
	}
	return &token, nil
}

func (s *Service) storeToken(ctx context.Context, conn *contracts.Connection, payload *tokenPayload) error {
	env, err := s.sealJSON(conn.StartupID, payload, conn.ConnectionID+":token")
	if err != nil {
		return err
	}
	now := s.clock()
	if conn.Metadata == nil {
		conn.Metadata = map[string]any{}
	}
	conn.Metadata[tokenEnvelopeKey] = env
	conn.Metadata[tokenExpiresKey] = now.Add(time.Duration(payload.ExpiresIn) * time.Second).Format(time.RFC3339)
	conn.Status = contracts.ConnectionConnected
	conn.UpdatedAt = now
	return s.store.UpsertConnection(ctx, conn)
}

func (s *Service) tokenRequest(ctx context.Context, conn *contracts.Connection, form url.Values) (*tokenPayload, error) {
	eps, ok := s.endpoints[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("oauth: unknown provider %q", conn.Provider)
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, eps.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: token endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("oauth: token endpoint returned %d (%s)", resp.StatusCode, body.Error)
	}
	var payload tokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("oauth: token decode: %w", err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("oauth: token endpoint returned no access token")
	}
	return &payload, nil
}

// markError moves the connection to the error state and returns the cause.
func (s *Service) markError(ctx context.Context, conn *contracts.Connection, cause error) error {
	conn.Status = contracts.ConnectionError
	conn.UpdatedAt = s.clock()
	if conn.Metadata == nil {
		conn.Metadata = map[string]any{}
	}
	conn.Metadata["last_error"] = cause.Error()
	if err := s.store.UpsertConnection(ctx, conn); err != nil {
		s.logger.Error("failed to record connection error", "connection_id", conn.ConnectionID, "error", err)
	}
	return cause
}

func tokenExpiry(conn *contracts.Connection) time.Time {
	raw, ok := conn.Metadata[tokenExpiresKey].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sanitize(conn *contracts.Connection) *SanitizedConnection {
	meta := make(map[string]any, len(conn.Metadata))
	for k, v := range conn.Metadata {
		if k == clientEnvelopeKey || k == tokenEnvelopeKey {
			continue
		}
		meta[k] = v
	}
	out := &SanitizedConnection{
		ConnectionID: conn.ConnectionID,
		StartupID:    conn.StartupID,
		Provider:     conn.Provider,
		Mode:         conn.Mode,
		Status:       conn.Status,
		Scopes:       conn.Scopes,
		Metadata:     meta,
		CreatedAt:    conn.CreatedAt,
		UpdatedAt:    conn.UpdatedAt,
		RevokedAt:    conn.RevokedAt,
	}
	if raw, ok := conn.Metadata[tokenExpiresKey].(string); ok {
		out.TokenExpiresAt = raw
	}
	return out
}

// MaskClientID hides the middle of a client id: "xxx...yyy".
func MaskClientID(id string) string {
	if len(id) <= 8 {
		return "***"
	}
	return id[:3] + "..." + id[len(id)-3:]
}

func consentURL(authURL, clientID, redirectURI string, scopes []string, state string) string {
	q := url.Values{
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
		"state":         {state},
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	return authURL + "?" + q.Encode()
}

func envelopeToMap(env *keystore.Envelope) (map[string]any, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func envelopeFromMap(v any) (*keystore.Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var env keystore.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.CiphertextB64 == "" {
		return nil, fmt.Errorf("oauth: malformed envelope")
	}
	return &env, nil
}
