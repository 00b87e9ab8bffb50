// Package gateway implements the startup-side HTTP agent. It exposes
// /health, /manifest, and /artifact-content over whitelisted folder roots,
// authenticating the central collector with HMAC-SHA256 signed requests and
// refusing symlinks and traversal at every path resolution.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/core/pkg/classify"
	"github.com/openclaw/core/pkg/contracts"
)

const (
	// MaxBodyBytes caps every request body at 20 MiB.
	MaxBodyBytes = 20 << 20

	// MaxClockSkew bounds the signed timestamp window.
	MaxClockSkew = 300 * time.Second

	// DefaultMaxArtifacts is the server-side manifest truncation limit.
	DefaultMaxArtifacts = 200

	// HeaderTimestamp and HeaderSignature carry the HMAC authentication pair.
	HeaderTimestamp = "X-VC-Timestamp"
	HeaderSignature = "X-VC-Signature"

	previewBytes = 4096
)

// Config configures a gateway server.
type Config struct {
	StartupID    string
	Folders      map[string]string // alias -> absolute root
	SharedSecret string
	MaxArtifacts int
}

// Server serves the gateway wire protocol. It is read-only against the
// filesystem.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter Limiter
	clock   func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLimiter installs a per-IP request limiter.
func WithLimiter(l Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// NewServer creates a gateway server.
func NewServer(cfg Config, opts ...Option) *Server {
	if cfg.MaxArtifacts <= 0 {
		cfg.MaxArtifacts = DefaultMaxArtifacts
	}
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the three gateway endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /manifest", s.wrap(s.handleManifest))
	mux.HandleFunc("POST /artifact-content", s.wrap(s.handleArtifactContent))
	return mux
}

// httpError carries the status and safe message for a failed request.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func errBadRequest(format string, args ...any) *httpError {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func errUnauthorized(msg string) *httpError {
	return &httpError{status: http.StatusUnauthorized, msg: msg}
}

func errForbidden(msg string) *httpError {
	return &httpError{status: http.StatusForbidden, msg: msg}
}

func errNotFound(msg string) *httpError {
	return &httpError{status: http.StatusNotFound, msg: msg}
}

// wrap reads and authenticates the body, applies the rate limit, and maps
// handler errors to the wire shape. No stack traces leak.
func (s *Server) wrap(fn func(body []byte) (any, *httpError)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			allowed, lerr := s.limiter.Allow(r.Context(), ip)
			if lerr != nil {
				s.logger.Warn("limiter unavailable", "error", lerr)
			} else if !allowed {
				s.writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate limited"})
				return
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "body too large or unreadable"})
			return
		}

		if herr := s.verifySignature(r, body); herr != nil {
			s.writeJSON(w, herr.status, map[string]any{"ok": false, "error": herr.msg})
			return
		}

		resp, herr := fn(body)
		if herr != nil {
			s.logger.Info("request rejected", "path", r.URL.Path, "status", herr.status, "reason", herr.msg)
			s.writeJSON(w, herr.status, map[string]any{"ok": false, "error": herr.msg})
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

// verifySignature checks the X-VC-Timestamp / X-VC-Signature pair when a
// shared secret is configured. Comparison is constant-time.
func (s *Server) verifySignature(r *http.Request, body []byte) *httpError {
	if s.cfg.SharedSecret == "" {
		return nil
	}

	tsHeader := r.Header.Get(HeaderTimestamp)
	sigHeader := r.Header.Get(HeaderSignature)
	if tsHeader == "" || sigHeader == "" {
		return errUnauthorized("missing signature headers")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return errUnauthorized("invalid timestamp")
	}
	now := s.clock().Unix()
	if math.Abs(float64(now-ts)) > MaxClockSkew.Seconds() {
		return errUnauthorized("timestamp outside allowed window")
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.SharedSecret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided, err := hex.DecodeString(sigHeader)
	if err != nil {
		return errUnauthorized("invalid signature encoding")
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(provided, want) {
		return errUnauthorized("invalid signature")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

// -- /health ----------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	folders := make([]string, 0, len(s.cfg.Folders))
	for alias := range s.cfg.Folders {
		folders = append(folders, alias)
	}
	sort.Strings(folders)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"startup_id": s.cfg.StartupID,
		"folders":    folders,
		"timestamp":  s.clock().Format(time.RFC3339),
	})
}

// -- /manifest --------------------------------------------------------------

type manifestRequest struct {
	StartupID    string   `json:"startup_id"`
	RequestID    string   `json:"request_id"`
	WindowFrom   string   `json:"window_from"`
	WindowTo     string   `json:"window_to"`
	DocTypes     []string `json:"doc_types"`
	IncludeOCR   bool     `json:"include_ocr"`
	FolderAlias  string   `json:"folder_alias"`
	MaxArtifacts int      `json:"max_artifacts"`
}

func (s *Server) handleManifest(body []byte) (any, *httpError) {
	var req manifestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errBadRequest("malformed JSON")
	}
	if req.StartupID != s.cfg.StartupID {
		return nil, errForbidden("startup_id mismatch")
	}

	alias := req.FolderAlias
	if alias == "" && len(s.cfg.Folders) == 1 {
		for a := range s.cfg.Folders {
			alias = a
		}
	}
	root, ok := s.cfg.Folders[alias]
	if !ok {
		return nil, errBadRequest("unknown folder alias %q", alias)
	}

	var windowFrom, windowTo time.Time
	if req.WindowFrom != "" {
		t, err := time.Parse(time.RFC3339, req.WindowFrom)
		if err != nil {
			return nil, errBadRequest("invalid window_from")
		}
		windowFrom = t
	}
	if req.WindowTo != "" {
		t, err := time.Parse(time.RFC3339, req.WindowTo)
		if err != nil {
			return nil, errBadRequest("invalid window_to")
		}
		windowTo = t
	}

	docTypeFilter := map[string]bool{}
	for _, dt := range req.DocTypes {
		docTypeFilter[dt] = true
	}

	limit := s.cfg.MaxArtifacts
	if req.MaxArtifacts > 0 && req.MaxArtifacts < limit {
		limit = req.MaxArtifacts
	}

	entries, err := s.scanFolder(alias, root, windowFrom, windowTo, docTypeFilter, req.IncludeOCR)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].MTime.After(entries[j].MTime) })
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return map[string]any{
		"ok":         true,
		"request_id": req.RequestID,
		"artifacts":  entries,
	}, nil
}

// scanFolder enumerates candidate files under the alias root. Symlinks are
// skipped entirely; escaping paths are skipped rather than failing the whole
// manifest.
func (s *Server) scanFolder(alias, root string, from, to time.Time, docTypes map[string]bool, includePreview bool) ([]contracts.ManifestEntry, *httpError) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, errBadRequest("folder root unavailable")
	}

	var entries []contracts.ManifestEntry
	walkErr := filepath.WalkDir(resolvedRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		real, err := filepath.EvalSymlinks(p)
		if err != nil || !strings.HasPrefix(real, resolvedRoot+string(filepath.Separator)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		mtime := info.ModTime().UTC()
		if !from.IsZero() && mtime.Before(from) {
			return nil
		}
		if !to.IsZero() && mtime.After(to) {
			return nil
		}

		rel, err := filepath.Rel(resolvedRoot, p)
		if err != nil {
			return nil
		}
		relPath := alias + "/" + filepath.ToSlash(rel)

		var preview []byte
		if includePreview {
			preview = readPreview(p)
		}
		docType, confidence := classify.Classify(relPath, preview)
		if len(docTypes) > 0 && !docTypes[docType] {
			return nil
		}

		sum, size, err := hashFile(p)
		if err != nil {
			return nil
		}

		entries = append(entries, contracts.ManifestEntry{
			ArtifactID: "sha256:" + sum,
			RelPath:    relPath,
			SizeBytes:  size,
			MTime:      mtime,
			SHA256:     sum,
			DocType:    docType,
			Confidence: confidence,
		})
		return nil
	})
	if walkErr != nil {
		return nil, errBadRequest("folder scan failed")
	}
	return entries, nil
}

func readPreview(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, previewBytes)
	n, _ := io.ReadFull(f, buf)
	return buf[:n]
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// -- /artifact-content ------------------------------------------------------

type artifactContentRequest struct {
	StartupID string `json:"startup_id"`
	RelPath   string `json:"rel_path"`
}

func (s *Server) handleArtifactContent(body []byte) (any, *httpError) {
	var req artifactContentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errBadRequest("malformed JSON")
	}
	if req.StartupID != s.cfg.StartupID {
		return nil, errForbidden("startup_id mismatch")
	}

	abs, herr := s.resolve(req.RelPath)
	if herr != nil {
		return nil, herr
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errForbidden("permission denied")
		}
		if os.IsNotExist(err) {
			return nil, errNotFound("file not found")
		}
		return nil, errBadRequest("read failed")
	}

	sum := sha256.Sum256(data)
	return map[string]any{
		"ok": true,
		"artifact": contracts.ArtifactContent{
			RelPath:    req.RelPath,
			SizeBytes:  int64(len(data)),
			SHA256:     hex.EncodeToString(sum[:]),
			ContentB64: base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

// resolve maps <alias>/<rest> to an absolute path, enforcing every
// filesystem safety rule: alias whitelist, no dot-dot segments, no symlink
// targets, and containment in the resolved root.
func (s *Server) resolve(relPath string) (string, *httpError) {
	if relPath == "" {
		return "", errBadRequest("rel_path required")
	}

	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) < 2 {
		return "", errBadRequest("rel_path must be <alias>/<path>")
	}
	root, ok := s.cfg.Folders[parts[0]]
	if !ok {
		return "", errBadRequest("unknown folder alias %q", parts[0])
	}
	for _, seg := range parts {
		if seg == ".." {
			return "", errBadRequest("path traversal rejected")
		}
	}

	candidate := filepath.Join(root, filepath.Join(parts[1:]...))

	info, err := os.Lstat(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errNotFound("file not found")
		}
		if os.IsPermission(err) {
			return "", errForbidden("permission denied")
		}
		return "", errBadRequest("stat failed")
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return "", errForbidden("symlinks are not served")
	}
	if !info.Mode().IsRegular() {
		return "", errBadRequest("not a regular file")
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", errBadRequest("folder root unavailable")
	}
	real, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", errBadRequest("path resolution failed")
	}
	if !strings.HasPrefix(real, resolvedRoot+string(filepath.Separator)) {
		return "", errForbidden("path escapes folder root")
	}

	return real, nil
}

// Sign computes the signature header value for a timestamp and body. Clients
// use it to authenticate requests; tests use it to build valid calls.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
