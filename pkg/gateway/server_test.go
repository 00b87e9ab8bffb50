package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/contracts"
)

const testSecret = "s3cret"

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	root := t.TempDir()

	writeFile := func(name, content string, mtime time.Time) {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}

	now := time.Now().UTC()
	writeFile("acme_ir_deck.txt", "Acme Deck\nroadmap", now.Add(-time.Hour))
	writeFile("acme_tax_invoice_202602.txt", "Invoice INV-42 total 1,000,000", now.Add(-2*time.Hour))
	writeFile("old_tax_invoice.txt", "ancient", now.AddDate(0, 0, -30))
	writeFile("docs/random_notes.txt", "notes", now.Add(-time.Hour))

	require.NoError(t, os.Symlink(
		filepath.Join(root, "acme_tax_invoice_202602.txt"),
		filepath.Join(root, "link_invoice.txt")))

	srv := NewServer(Config{
		StartupID:    "acme",
		Folders:      map[string]string{"desktop_common": root},
		SharedSecret: testSecret,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, root
}

func signedPost(t *testing.T, url, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url+path, strings.NewReader(string(body)))
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(testSecret, ts, body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthNoAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "acme", body["startup_id"])
	assert.Equal(t, []any{"desktop_common"}, body["folders"])
}

func TestManifestWithoutSignatureReturns401(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/manifest", "application/json",
		strings.NewReader(`{"startup_id":"acme"}`))
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestManifestBadSignatureReturns401(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := []byte(`{"startup_id":"acme"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/manifest", strings.NewReader(string(payload)))
	require.NoError(t, err)
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, Sign("wrong-secret", stamp, payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManifestStaleTimestampReturns401(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := []byte(`{"startup_id":"acme"}`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/manifest", strings.NewReader(string(payload)))
	require.NoError(t, err)
	stamp := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, Sign(testSecret, stamp, payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManifestStartupMismatchReturns403(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := signedPost(t, ts.URL, "/manifest", map[string]any{"startup_id": "evil"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestManifestListsAndClassifies(t *testing.T) {
	ts, _ := newTestServer(t)

	now := time.Now().UTC()
	resp := signedPost(t, ts.URL, "/manifest", map[string]any{
		"startup_id":   "acme",
		"request_id":   "req_1",
		"window_from":  now.AddDate(0, 0, -7).Format(time.RFC3339),
		"window_to":    now.Format(time.RFC3339),
		"folder_alias": "desktop_common",
	})
	body := decodeBody(t, resp)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req_1", body["request_id"])

	raw, _ := json.Marshal(body["artifacts"])
	var artifacts []contracts.ManifestEntry
	require.NoError(t, json.Unmarshal(raw, &artifacts))

	// Window excludes old_tax_invoice; symlink is never listed.
	byPath := map[string]contracts.ManifestEntry{}
	for _, a := range artifacts {
		byPath[a.RelPath] = a
	}
	assert.Contains(t, byPath, "desktop_common/acme_ir_deck.txt")
	assert.Contains(t, byPath, "desktop_common/acme_tax_invoice_202602.txt")
	assert.NotContains(t, byPath, "desktop_common/old_tax_invoice.txt")
	assert.NotContains(t, byPath, "desktop_common/link_invoice.txt")

	deck := byPath["desktop_common/acme_ir_deck.txt"]
	assert.Equal(t, "ir_deck", deck.DocType)
	assert.Equal(t, "sha256:"+deck.SHA256, deck.ArtifactID)

	// Descending mtime order.
	for i := 1; i < len(artifacts); i++ {
		assert.False(t, artifacts[i].MTime.After(artifacts[i-1].MTime))
	}
}

func TestManifestDocTypeFilterAndLimit(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := signedPost(t, ts.URL, "/manifest", map[string]any{
		"startup_id":    "acme",
		"doc_types":     []string{"tax_invoice"},
		"max_artifacts": 1,
	})
	body := decodeBody(t, resp)

	raw, _ := json.Marshal(body["artifacts"])
	var artifacts []contracts.ManifestEntry
	require.NoError(t, json.Unmarshal(raw, &artifacts))

	require.Len(t, artifacts, 1)
	assert.Equal(t, "tax_invoice", artifacts[0].DocType)
}

func TestArtifactContentRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := signedPost(t, ts.URL, "/artifact-content", map[string]any{
		"startup_id": "acme",
		"rel_path":   "desktop_common/acme_ir_deck.txt",
	})
	body := decodeBody(t, resp)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	artifact := body["artifact"].(map[string]any)
	assert.Equal(t, "desktop_common/acme_ir_deck.txt", artifact["rel_path"])
	assert.NotEmpty(t, artifact["sha256"])
	assert.NotEmpty(t, artifact["content_b64"])
}

func TestArtifactContentSymlinkReturns403(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := signedPost(t, ts.URL, "/artifact-content", map[string]any{
		"startup_id": "acme",
		"rel_path":   "desktop_common/link_invoice.txt",
	})
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestArtifactContentTraversalRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := signedPost(t, ts.URL, "/artifact-content", map[string]any{
		"startup_id": "acme",
		"rel_path":   "desktop_common/../etc/passwd",
	})
	body := decodeBody(t, resp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestArtifactContentMissingFileReturns404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := signedPost(t, ts.URL, "/artifact-content", map[string]any{
		"startup_id": "acme",
		"rel_path":   "desktop_common/nope.txt",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedJSONReturns400(t *testing.T) {
	ts, _ := newTestServer(t)

	payload := []byte(`{not json`)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/manifest", strings.NewReader(string(payload)))
	require.NoError(t, err)
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, Sign(testSecret, stamp, payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimiter(t *testing.T) {
	root := t.TempDir()
	srv := NewServer(Config{
		StartupID: "acme",
		Folders:   map[string]string{"desktop_common": root},
	}, WithLimiter(NewLocalLimiter(0.0001, 2)))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var last int
	for i := 0; i < 4; i++ {
		resp, err := http.Post(ts.URL+"/manifest", "application/json",
			strings.NewReader(fmt.Sprintf(`{"startup_id":"acme","request_id":"r%d"}`, i)))
		require.NoError(t, err)
		last = resp.StatusCode
		resp.Body.Close()
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "burst exhausted")
}
