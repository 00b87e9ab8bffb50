package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/approval"
	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/collector"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/dispatch"
	"github.com/openclaw/core/pkg/keystore"
	"github.com/openclaw/core/pkg/oauth"
	"github.com/openclaw/core/pkg/registry"
	"github.com/openclaw/core/pkg/store"
	"github.com/openclaw/core/pkg/vault"
)

type fakeGateway struct {
	manifest []contracts.ManifestEntry
	contents map[string][]byte
}

func (f *fakeGateway) Health(ctx context.Context) (*collector.HealthStatus, error) {
	return &collector.HealthStatus{OK: true, StartupID: "acme"}, nil
}

func (f *fakeGateway) Manifest(ctx context.Context, req collector.ManifestRequest) ([]contracts.ManifestEntry, error) {
	return f.manifest, nil
}

func (f *fakeGateway) ArtifactContent(ctx context.Context, startupID, relPath string) (*contracts.ArtifactContent, error) {
	raw := f.contents[relPath]
	sum := sha256.Sum256(raw)
	return &contracts.ArtifactContent{
		RelPath:    relPath,
		SizeBytes:  int64(len(raw)),
		SHA256:     hex.EncodeToString(sum[:]),
		ContentB64: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

func newTestStack(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New(filepath.Join(dir, "vc_tenants.json"))
	keys := keystore.NewStore(filepath.Join(dir, "vc_keys.json"))
	v := vault.New(vault.NewLocalStore(filepath.Join(dir, "data")))
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	content := []byte("Invoice INV-12 total 500,000")
	sum := sha256.Sum256(content)
	h := hex.EncodeToString(sum[:])
	gw := &fakeGateway{
		manifest: []contracts.ManifestEntry{{
			ArtifactID: "sha256:" + h,
			RelPath:    "desktop_common/acme_tax_invoice.txt",
			SizeBytes:  int64(len(content)),
			MTime:      time.Now().UTC().Add(-time.Hour),
			SHA256:     h,
			DocType:    "tax_invoice",
			Confidence: 0.9,
		}},
		contents: map[string][]byte{"desktop_common/acme_tax_invoice.txt": content},
	}

	auditLog := audit.Nop()
	col := collector.New(reg, keys, v, st, auditLog,
		collector.WithClientFactory(func(baseURL, secret string) collector.GatewayClient { return gw }))
	disp := dispatch.New(dispatch.Config{}, st, reg, auditLog)
	apr := approval.New(st, auditLog, approval.WithDispatcher(disp))
	oa := oauth.New(st, keys, auditLog)

	srv := NewServer(Deps{
		Registry:   reg,
		Keys:       keys,
		Vault:      v,
		Store:      st,
		Collector:  col,
		Approvals:  apr,
		Dispatcher: disp,
		OAuth:      oa,
	}, WithApproverSecret("jwt-s3cret"), WithIdempotencyStore(NewIdempotencyStore(time.Minute)))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postAction(t *testing.T, url, action string, payload any, headers map[string]string) map[string]any {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"action": action, "payload": payload})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url+"/api/v1/actions", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerTenant(t *testing.T, url string) {
	t.Helper()
	out := postAction(t, url, "tenant_register", map[string]any{
		"startup_id":       "acme",
		"display_name":     "Acme Inc",
		"gateway_url":      "http://gateway.local",
		"gateway_secret":   "s3cret",
		"email_recipients": []string{"partners@fund.example"},
		"active":           true,
	}, nil)
	require.Equal(t, true, out["success"], "register failed: %v", out["error"])
}

func TestHealth(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestUnknownActionFails(t *testing.T) {
	ts := newTestStack(t)

	out := postAction(t, ts.URL, "frobnicate", nil, nil)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "unknown action")
}

func TestCollectApproveDispatchFlow(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	out := postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme", "period": "7d"}, nil)
	require.Equal(t, true, out["success"], "collect failed: %v", out["error"])
	result := out["result"].(map[string]any)
	collectionID := result["collection_id"].(string)
	approvalID := result["approval_id"].(string)
	require.NotEmpty(t, approvalID)
	assert.Equal(t, true, result["verified"])

	out = postAction(t, ts.URL, "approval_pending", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"])
	pending := out["result"].(map[string]any)
	assert.Len(t, pending["items"], 1)

	out = postAction(t, ts.URL, "approval_approve", map[string]any{
		"approval_id": approvalID,
		"approver":    "alice",
	}, nil)
	require.Equal(t, true, out["success"], "approve failed: %v", out["error"])

	// Dry-run dispatch renders without SMTP configured.
	out = postAction(t, ts.URL, "dispatch_email", map[string]any{
		"approval_id": approvalID,
		"dry_run":     true,
	}, nil)
	require.Equal(t, true, out["success"], "dry run failed: %v", out["error"])
	dres := out["result"].(map[string]any)
	assert.Equal(t, "[OpenClaw][acme] Collection "+collectionID, dres["subject"])
	assert.Equal(t, true, dres["dry_run"])

	out = postAction(t, ts.URL, "collection_status", map[string]any{"collection_id": collectionID}, nil)
	require.Equal(t, true, out["success"])
	status := out["result"].(map[string]any)
	col := status["collection"].(map[string]any)
	assert.Equal(t, "awaiting_approval", col["status"])
}

func TestApproveOmittedAutoDispatchDefaultsOn(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	out := postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"])
	approvalID := out["result"].(map[string]any)["approval_id"].(string)

	// No auto_dispatch field: the default is on. SMTP is unconfigured in
	// this stack, so the dispatch degrades to a dry-run render and the
	// approval stays approved.
	out = postAction(t, ts.URL, "approval_approve", map[string]any{
		"approval_id": approvalID,
		"approver":    "alice",
	}, nil)
	require.Equal(t, true, out["success"], "approve failed: %v", out["error"])
	result := out["result"].(map[string]any)
	assert.Equal(t, "approved", result["status"])
	dres, ok := result["dispatch"].(map[string]any)
	require.True(t, ok, "expected a dispatch result: %v", result)
	assert.Equal(t, true, dres["dry_run"])

	// An explicit false suppresses the dispatch entirely.
	out = postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"])
	approvalID = out["result"].(map[string]any)["approval_id"].(string)

	out = postAction(t, ts.URL, "approval_approve", map[string]any{
		"approval_id":   approvalID,
		"approver":      "alice",
		"auto_dispatch": false,
	}, nil)
	require.Equal(t, true, out["success"], "approve failed: %v", out["error"])
	result = out["result"].(map[string]any)
	assert.Equal(t, "approved", result["status"])
	assert.Nil(t, result["dispatch"])
}

func TestApproverTokenOverridesPayload(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	out := postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"])
	approvalID := out["result"].(map[string]any)["approval_id"].(string)

	token, err := IssueApproverToken("jwt-s3cret", "carol@fund.example", time.Hour)
	require.NoError(t, err)

	out = postAction(t, ts.URL, "approval_approve", map[string]any{
		"approval_id": approvalID,
		"approver":    "spoofed-identity",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, true, out["success"], "approve failed: %v", out["error"])
	assert.Equal(t, "carol@fund.example", out["result"].(map[string]any)["approver"])
}

func TestInvalidApproverTokenRejected(t *testing.T) {
	ts := newTestStack(t)

	raw := []byte(`{"action":"tenant_list"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/actions", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdempotentReplay(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	key := map[string]string{"Idempotency-Key": "collect-once"}
	first := postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme"}, key)
	require.Equal(t, true, first["success"])

	second := postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme"}, key)
	require.Equal(t, true, second["success"])
	assert.Equal(t,
		first["result"].(map[string]any)["collection_id"],
		second["result"].(map[string]any)["collection_id"],
		"replayed request must not run a second cycle")
}

func TestScopePolicyRoundTrip(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	out := postAction(t, ts.URL, "scope_policy_set", map[string]any{
		"startup_id":        "acme",
		"allow_prefixes":    []string{"docs/"},
		"deny_patterns":     []string{"*secret*"},
		"consent_reference": "consent-2026-02",
	}, nil)
	require.Equal(t, true, out["success"], "set failed: %v", out["error"])

	out = postAction(t, ts.URL, "scope_policy_get", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"])
	result := out["result"].(map[string]any)
	scope := result["scope"].(map[string]any)
	assert.Equal(t, []any{"desktop_common/docs/"}, scope["allow_prefixes"])
	assert.Equal(t, "consent-2026-02", result["consent_reference"])
}

func TestKeyRotateAction(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	out := postAction(t, ts.URL, "key_rotate", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"], "rotate failed: %v", out["error"])
	assert.Equal(t, float64(1), out["result"].(map[string]any)["key_version"])
}

func TestVaultSweepAction(t *testing.T) {
	ts := newTestStack(t)
	registerTenant(t, ts.URL)

	out := postAction(t, ts.URL, "collect", map[string]any{"startup_id": "acme"}, nil)
	require.Equal(t, true, out["success"])

	// Everything in the vault has a database row, so nothing is swept.
	out = postAction(t, ts.URL, "vault_sweep", nil, nil)
	require.Equal(t, true, out["success"], "sweep failed: %v", out["error"])
	assert.Equal(t, float64(0), out["result"].(map[string]any)["removed_count"])
}
