package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/keystore"
	"github.com/openclaw/core/pkg/store"
)

// tokenServer fakes a provider token endpoint. Each grant returns a token
// numbered by call count.
type tokenServer struct {
	*httptest.Server
	calls       atomic.Int64
	expiresIn   int
	omitRefresh bool
	lastGrant   string
}

func newTokenServer(t *testing.T, expiresIn int) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresIn: expiresIn}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		ts.lastGrant = r.Form.Get("grant_type")
		n := strconv.FormatInt(ts.calls.Add(1), 10)
		resp := map[string]any{
			"access_token": "access_" + n,
			"token_type":   "Bearer",
			"expires_in":   ts.expiresIn,
		}
		if !ts.omitRefresh {
			resp["refresh_token"] = "refresh_" + n
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newService(t *testing.T, ts *tokenServer, now *time.Time) (*Service, store.Store, *keystore.Store) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	keys := keystore.NewStore(filepath.Join(t.TempDir(), "vc_keys.json"))
	opts := []Option{WithClock(func() time.Time { return *now })}
	if ts != nil {
		opts = append(opts, WithEndpoints("google", Endpoints{
			AuthURL:  ts.URL + "/auth",
			TokenURL: ts.URL + "/token",
		}))
	}
	return New(st, keys, audit.Nop(), opts...), st, keys
}

func connect(t *testing.T, svc *Service) *ConnectResult {
	t.Helper()
	res, err := svc.Connect(context.Background(), ConnectRequest{
		StartupID:    "acme",
		Provider:     "google",
		ClientID:     "client-id-1234567890.apps.example",
		ClientSecret: "sup3r-s3cret",
		RedirectURI:  "http://localhost:8910/callback",
		Scopes:       []string{"drive.readonly"},
	})
	require.NoError(t, err)
	return res
}

func TestConnectSealsCredentials(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	svc, st, _ := newService(t, nil, &now)
	ctx := context.Background()

	res := connect(t, svc)
	assert.Equal(t, contracts.ConnectionPendingConsent, res.Status)
	assert.Contains(t, res.ConsentURL, "response_type=code")
	assert.Contains(t, res.ConsentURL, "state="+res.ConnectionID)
	assert.NotContains(t, res.ConsentURL, "sup3r-s3cret")

	conn, err := st.GetConnection(ctx, res.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, "byo_oauth", conn.Mode)
	assert.Equal(t, "cli...ple", conn.Metadata["client_id_masked"])

	// Secrets are sealed, not stored in cleartext.
	raw, _ := json.Marshal(conn.Metadata)
	assert.NotContains(t, string(raw), "sup3r-s3cret")
	assert.Contains(t, conn.Metadata, "oauth_client_envelope")
}

func TestConnectWithoutCredentialsAwaits(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newService(t, nil, &now)

	res, err := svc.Connect(context.Background(), ConnectRequest{
		StartupID: "acme",
		Provider:  "google",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConnectionAwaitingCredentials, res.Status)
	assert.Empty(t, res.ConsentURL)
}

func TestExchangeCodeConnects(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 3600)
	svc, st, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	sc, err := svc.ExchangeCode(ctx, res.ConnectionID, "auth-code-1")
	require.NoError(t, err)

	assert.Equal(t, contracts.ConnectionConnected, sc.Status)
	assert.Equal(t, "authorization_code", ts.lastGrant)
	assert.Equal(t, now.Add(time.Hour).Format(time.RFC3339), sc.TokenExpiresAt)

	// Sanitized response never carries envelopes.
	assert.NotContains(t, sc.Metadata, "oauth_client_envelope")
	assert.NotContains(t, sc.Metadata, "oauth_token_envelope")

	// The stored row does, and the token is not cleartext.
	conn, err := st.GetConnection(ctx, res.ConnectionID)
	require.NoError(t, err)
	raw, _ := json.Marshal(conn.Metadata)
	assert.NotContains(t, string(raw), "access_")
	assert.Contains(t, conn.Metadata, "oauth_token_envelope")
}

func TestExchangeCodeRevokedRejected(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 3600)
	svc, _, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.Revoke(ctx, res.ConnectionID, "tenant offboarded")
	require.NoError(t, err)

	_, err = svc.ExchangeCode(ctx, res.ConnectionID, "auth-code-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}

func TestRefreshSkipsWhenTokenStillValid(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 3600)
	svc, _, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.ExchangeCode(ctx, res.ConnectionID, "code")
	require.NoError(t, err)

	rr, err := svc.RefreshToken(ctx, res.ConnectionID, false, 120)
	require.NoError(t, err)
	assert.False(t, rr.Refreshed)
	assert.Equal(t, int64(1), ts.calls.Load(), "no network call when token valid")
}

func TestRefreshForcedAndNearExpiry(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 30)
	svc, _, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.ExchangeCode(ctx, res.ConnectionID, "code")
	require.NoError(t, err)

	// expires_in=30 < min_valid_seconds=120: even unforced refresh rotates.
	rr, err := svc.RefreshToken(ctx, res.ConnectionID, false, 120)
	require.NoError(t, err)
	assert.True(t, rr.Refreshed)
	assert.Equal(t, "refresh_token", ts.lastGrant)
	assert.Equal(t, int64(2), ts.calls.Load())

	// Forced refresh always rotates.
	rr, err = svc.RefreshToken(ctx, res.ConnectionID, true, 120)
	require.NoError(t, err)
	assert.True(t, rr.Refreshed)
	assert.Equal(t, int64(3), ts.calls.Load())
}

func TestRefreshPreservesRefreshTokenWhenOmitted(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 30)
	svc, st, keys := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.ExchangeCode(ctx, res.ConnectionID, "code")
	require.NoError(t, err)

	ts.omitRefresh = true
	rr, err := svc.RefreshToken(ctx, res.ConnectionID, true, 120)
	require.NoError(t, err)
	require.True(t, rr.Refreshed)

	conn, err := st.GetConnection(ctx, res.ConnectionID)
	require.NoError(t, err)
	env, err := envelopeFromMap(conn.Metadata["oauth_token_envelope"])
	require.NoError(t, err)
	raw, err := keys.Decrypt("acme", env, []byte(res.ConnectionID+":token"))
	require.NoError(t, err)

	var token tokenPayload
	require.NoError(t, json.Unmarshal(raw, &token))
	assert.Equal(t, "refresh_1", token.RefreshToken, "original refresh token kept")
	assert.NotEqual(t, "access_1", token.AccessToken, "access token rotated")
}

func TestStatusScrubsEnvelopes(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 3600)
	svc, _, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.ExchangeCode(ctx, res.ConnectionID, "code")
	require.NoError(t, err)

	rows, err := svc.Status(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0].Metadata, "oauth_client_envelope")
	assert.NotContains(t, rows[0].Metadata, "oauth_token_envelope")
	assert.Equal(t, "cli...ple", rows[0].Metadata["client_id_masked"])
}

func TestTestReportsConnectability(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 3600)
	svc, _, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	tr, err := svc.Test(ctx, res.ConnectionID, false)
	require.NoError(t, err)
	assert.True(t, tr.IsConnectable)

	_, err = svc.Revoke(ctx, res.ConnectionID, "done")
	require.NoError(t, err)
	tr, err = svc.Test(ctx, res.ConnectionID, false)
	require.NoError(t, err)
	assert.False(t, tr.IsConnectable)
}

func TestMaskClientID(t *testing.T) {
	assert.Equal(t, "***", MaskClientID("short"))
	assert.Equal(t, "abc...xyz", MaskClientID("abcdefuvwxyz"))
}

func TestSyncRunLifecycle(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	ts := newTokenServer(t, 3600)
	svc, _, _ := newService(t, ts, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.ExchangeCode(ctx, res.ConnectionID, "code")
	require.NoError(t, err)

	run, err := svc.BeginSync(ctx, res.ConnectionID, RunModePull, now.AddDate(0, 0, -7), now)
	require.NoError(t, err)
	assert.Equal(t, contracts.SyncRunRunning, run.Status)

	docs := []contracts.IntegrationDocument{
		{ConnectionID: res.ConnectionID, ExternalID: "gdoc_1", Title: "세금계산서 2026-01", DocType: "tax_invoice"},
		{ConnectionID: res.ConnectionID, ExternalID: "gdoc_2", Title: "IR Deck", DocType: "ir_deck"},
	}
	require.NoError(t, svc.CompleteSync(ctx, run.RunID, docs, ""))

	history, err := svc.SyncHistory(ctx, res.ConnectionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, contracts.SyncRunCompleted, history[0].Status)
	assert.Equal(t, float64(2), history[0].Summary["document_count"])
}

func TestBeginSyncPullRequiresConnected(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC)
	svc, _, _ := newService(t, nil, &now)
	ctx := context.Background()

	res := connect(t, svc)
	_, err := svc.BeginSync(ctx, res.ConnectionID, RunModePull, now.AddDate(0, 0, -1), now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connected")

	// A dry run is fine while consent is still pending.
	run, err := svc.BeginSync(ctx, res.ConnectionID, RunModeDryRun, now.AddDate(0, 0, -1), now)
	require.NoError(t, err)
	assert.Equal(t, RunModeDryRun, run.RunMode)
}
