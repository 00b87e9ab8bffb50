// Package collector orchestrates a collection cycle: manifest pull,
// artifact download with SHA-256 verification, consent-scope policy,
// normalization, per-tenant encryption into the vault, transactional
// persistence, risk assessment, and approval creation.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/keystore"
	"github.com/openclaw/core/pkg/normalize"
	"github.com/openclaw/core/pkg/policy"
	"github.com/openclaw/core/pkg/registry"
	"github.com/openclaw/core/pkg/risk"
	"github.com/openclaw/core/pkg/store"
	"github.com/openclaw/core/pkg/vault"
)

const (
	// DefaultApprovalTTL bounds how long a pending approval stays actionable.
	DefaultApprovalTTL = 48 * time.Hour

	defaultPeriodDays = 7
	maxPeriodDays     = 365
	minMaxArtifacts   = 1
	maxMaxArtifacts   = 1000
	defaultArtifacts  = 200
)

var periodPattern = regexp.MustCompile(`^(\d+)d$`)

// Service runs collection cycles against tenant gateways.
type Service struct {
	registry  *registry.Registry
	keys      *keystore.Store
	vault     *vault.Vault
	store     store.Store
	audit     audit.Logger
	logger    *slog.Logger
	clock     func() time.Time
	newClient func(baseURL, secret string) GatewayClient
	ttl       time.Duration
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

// WithClientFactory overrides gateway client construction, letting tests
// inject fakes.
func WithClientFactory(fn func(baseURL, secret string) GatewayClient) Option {
	return func(s *Service) { s.newClient = fn }
}

// WithApprovalTTL overrides the pending-approval TTL.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// New creates a collector service.
func New(reg *registry.Registry, keys *keystore.Store, v *vault.Vault, st store.Store, auditLog audit.Logger, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		keys:     keys,
		vault:    v,
		store:    st,
		audit:    auditLog,
		logger:   slog.Default(),
		clock:    func() time.Time { return time.Now().UTC() },
		newClient: func(baseURL, secret string) GatewayClient {
			return NewClient(baseURL, secret)
		},
		ttl: DefaultApprovalTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CollectRequest parametrizes one cycle.
type CollectRequest struct {
	StartupID    string
	Period       string // today | 7d | 30d | <N>d; default 7d
	WindowFrom   time.Time
	WindowTo     time.Time
	IncludeOCR   bool
	MaxArtifacts int
	SkipVerify   bool // auto-verify is on by default
}

// CollectResult summarizes a successful cycle.
type CollectResult struct {
	CollectionID  string         `json:"collection_id"`
	StartupID     string         `json:"startup_id"`
	ArtifactCount int            `json:"artifact_count"`
	TotalSize     int64          `json:"total_size_bytes"`
	DocTypes      map[string]int `json:"doc_types"`
	RejectCount   int            `json:"reject_count"`
	EncryptedPath string         `json:"encrypted_path"`
	Verified      bool           `json:"verified"`
	RiskScore     float64        `json:"risk_score"`
	RiskLevel     string         `json:"risk_level"`
	ApprovalID    string         `json:"approval_id"`
}

// bundle is the plaintext payload encrypted into the vault .bin.
type bundle struct {
	CollectionID string           `json:"collection_id"`
	StartupID    string           `json:"startup_id"`
	WindowFrom   time.Time        `json:"window_from"`
	WindowTo     time.Time        `json:"window_to"`
	CreatedAt    time.Time        `json:"created_at"`
	Artifacts    []bundleArtifact `json:"artifacts"`
}

type bundleArtifact struct {
	RelPath    string `json:"rel_path"`
	SHA256     string `json:"sha256"`
	ContentB64 string `json:"content_b64"`
}

// Collect runs the full cycle for one tenant. Network or integrity failures
// abort without partial commit; a verification failure leaves the collection
// row in verification_failed and creates no approval.
func (s *Service) Collect(ctx context.Context, req CollectRequest) (*CollectResult, error) {
	tenant, err := s.registry.GetActive(req.StartupID)
	if err != nil {
		return nil, err
	}
	if tenant.GatewayURL == "" {
		return nil, fmt.Errorf("collector: tenant %s has no gateway bound", tenant.StartupID)
	}

	now := s.clock()
	windowFrom, windowTo, err := resolveWindow(req.Period, req.WindowFrom, req.WindowTo, now)
	if err != nil {
		return nil, err
	}

	requestID := uuid.New().String()
	collectionID := uuid.New().String()
	client := s.newClient(tenant.GatewayURL, tenant.GatewaySecret)

	health, err := client.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !health.OK {
		return nil, fmt.Errorf("collector: gateway for %s reports unhealthy", tenant.StartupID)
	}

	maxArtifacts := clampArtifacts(req.MaxArtifacts)
	manifest, err := client.Manifest(ctx, ManifestRequest{
		StartupID:    tenant.StartupID,
		RequestID:    requestID,
		WindowFrom:   windowFrom.Format(time.RFC3339),
		WindowTo:     windowTo.Format(time.RFC3339),
		DocTypes:     tenant.Scope.AllowedDocTypes,
		IncludeOCR:   req.IncludeOCR,
		FolderAlias:  tenant.FolderAlias,
		MaxArtifacts: maxArtifacts,
	})
	if err != nil {
		return nil, err
	}
	if len(manifest) > maxArtifacts {
		manifest = manifest[:maxArtifacts]
	}

	// Download and verify content against the advertised hashes. A mismatch
	// aborts the whole cycle before anything is committed.
	payloads := make(map[string][]byte, len(manifest))
	for _, entry := range manifest {
		content, err := client.ArtifactContent(ctx, tenant.StartupID, entry.RelPath)
		if err != nil {
			return nil, err
		}
		raw, err := base64.StdEncoding.DecodeString(content.ContentB64)
		if err != nil {
			return nil, fmt.Errorf("collector: artifact %s: bad base64: %w", entry.RelPath, err)
		}
		sum := sha256.Sum256(raw)
		if got := hex.EncodeToString(sum[:]); got != entry.SHA256 {
			return nil, fmt.Errorf("collector: integrity failure for %s: manifest %s, content %s",
				entry.RelPath, entry.SHA256, got)
		}
		payloads[entry.RelPath] = raw
	}

	filtered := policy.FilterArtifacts(tenant, collectionID, manifest, payloads, now)

	artifacts := make([]contracts.Artifact, 0, len(filtered.Accepted))
	docTypes := map[string]int{}
	var totalSize int64
	for _, entry := range filtered.Accepted {
		artifacts = append(artifacts, contracts.Artifact{
			ArtifactID:   entry.ArtifactID,
			CollectionID: collectionID,
			RelPath:      entry.RelPath,
			SHA256:       entry.SHA256,
			SizeBytes:    entry.SizeBytes,
			DocType:      entry.DocType,
			Confidence:   entry.Confidence,
			MTime:        entry.MTime,
		})
		docTypes[entry.DocType]++
		totalSize += entry.SizeBytes
	}

	records := make([]contracts.NormalizedRecord, 0, len(artifacts))
	for _, a := range artifacts {
		contentB64 := base64.StdEncoding.EncodeToString(filtered.Payloads[a.RelPath])
		records = append(records, normalize.Record(collectionID, tenant.StartupID, a, contentB64, now))
	}

	binKey, metaKey := vault.Paths(tenant.StartupID, collectionID, now)
	err = s.writeBundle(ctx, tenant.StartupID, collectionID, binKey, metaKey, bundle{
		CollectionID: collectionID,
		StartupID:    tenant.StartupID,
		WindowFrom:   windowFrom,
		WindowTo:     windowTo,
		CreatedAt:    now,
		Artifacts:    bundleArtifacts(artifacts, filtered.Payloads),
	}, artifacts, docTypes, totalSize)
	if err != nil {
		return nil, err
	}


	col := &contracts.Collection{
		CollectionID:  collectionID,
		StartupID:     tenant.StartupID,
		WindowFrom:    windowFrom,
		WindowTo:      windowTo,
		Status:        contracts.CollectionCollected,
		EncryptedPath: binKey,
		ArtifactCount: len(artifacts),
		TotalSize:     totalSize,
		DocTypes:      docTypes,
		CreatedAt:     now,
	}
	if err := s.store.SaveCollection(ctx, col, artifacts, filtered.Audits, records); err != nil {
		return nil, err
	}

	result := &CollectResult{
		CollectionID:  collectionID,
		StartupID:     tenant.StartupID,
		ArtifactCount: len(artifacts),
		TotalSize:     totalSize,
		DocTypes:      docTypes,
		RejectCount:   filtered.Summary.RejectCount,
		EncryptedPath: binKey,
	}

	if !req.SkipVerify {
		if err := s.verifyBundle(ctx, tenant.StartupID, collectionID, binKey, artifacts); err != nil {
			_ = s.store.UpdateCollectionStatus(ctx, collectionID, contracts.CollectionVerificationFailed)
			_ = s.audit.Record(tenant.StartupID, "collector", audit.EventCollection, "verification_failed",
				"collection/"+collectionID, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("collector: bundle verification failed: %w", err)
		}
		result.Verified = true
	}

	assessment := risk.Assess(artifacts, filtered.Audits, tenant.EmailRecipients)
	approval := &contracts.Approval{
		ApprovalID:   uuid.New().String(),
		CollectionID: collectionID,
		StartupID:    tenant.StartupID,
		ActionType:   "dispatch_email",
		Payload: map[string]any{
			"recipients":    tenant.EmailRecipients,
			"metadata_path": metaKey,
		},
		Status:      contracts.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.ttl),
		RiskScore:   assessment.Score,
		RiskLevel:   assessment.Level,
		RiskReasons: assessment.Reasons,
	}
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := s.store.UpdateCollectionStatus(ctx, collectionID, contracts.CollectionAwaitingApproval); err != nil {
		return nil, err
	}

	result.RiskScore = assessment.Score
	result.RiskLevel = assessment.Level
	result.ApprovalID = approval.ApprovalID

	_ = s.audit.Record(tenant.StartupID, "collector", audit.EventCollection, "collected",
		"collection/"+collectionID, map[string]any{
			"artifact_count": len(artifacts),
			"reject_count":   filtered.Summary.RejectCount,
			"risk_level":     assessment.Level,
		})
	s.logger.Info("collection cycle complete",
		"startup_id", tenant.StartupID,
		"collection_id", collectionID,
		"artifacts", len(artifacts),
		"risk_level", assessment.Level)

	return result, nil
}

func bundleArtifacts(artifacts []contracts.Artifact, payloads map[string][]byte) []bundleArtifact {
	out := make([]bundleArtifact, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, bundleArtifact{
			RelPath:    a.RelPath,
			SHA256:     a.SHA256,
			ContentB64: base64.StdEncoding.EncodeToString(payloads[a.RelPath]),
		})
	}
	return out
}

// writeBundle encrypts the bundle under the tenant key (AAD = collection_id)
// and writes the envelope plus the plaintext metadata companion.
func (s *Service) writeBundle(ctx context.Context, startupID, collectionID, binKey, metaKey string, b bundle, artifacts []contracts.Artifact, docTypes map[string]int, totalSize int64) error {
	plaintext, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("collector: bundle marshal: %w", err)
	}
	env, err := s.keys.Encrypt(startupID, plaintext, []byte(collectionID))
	if err != nil {
		return err
	}
	if err := s.vault.WriteEnvelope(ctx, binKey, env); err != nil {
		return err
	}

	metas := make([]vault.ArtifactMeta, 0, len(artifacts))
	for _, a := range artifacts {
		metas = append(metas, vault.ArtifactMeta{
			RelPath:    a.RelPath,
			SHA256:     a.SHA256,
			SizeBytes:  a.SizeBytes,
			DocType:    a.DocType,
			Confidence: a.Confidence,
		})
	}
	summary := vault.EnvelopeSummary{Alg: env.Alg, KeyVersion: env.KeyVersion, CreatedAt: env.CreatedAt}
	meta := &vault.Metadata{
		CollectionID:  collectionID,
		StartupID:     startupID,
		WindowFrom:    b.WindowFrom,
		WindowTo:      b.WindowTo,
		ArtifactCount: len(artifacts),
		TotalSize:     totalSize,
		DocTypes:      docTypes,
		Artifacts:     metas,
		EnvelopeMeta:  summary,
		CreatedAt:     b.CreatedAt,
	}
	return s.vault.WriteMetadata(ctx, metaKey, meta)
}

// verifyBundle re-reads the envelope from the vault, decrypts it, and
// confirms the artifact count and SHA-256 set match what was persisted.
func (s *Service) verifyBundle(ctx context.Context, startupID, collectionID, binKey string, artifacts []contracts.Artifact) error {
	env, err := s.vault.ReadEnvelope(ctx, binKey)
	if err != nil {
		return err
	}
	plaintext, err := s.keys.Decrypt(startupID, env, []byte(collectionID))
	if err != nil {
		return err
	}
	var b bundle
	if err := json.Unmarshal(plaintext, &b); err != nil {
		return fmt.Errorf("bundle parse: %w", err)
	}
	if len(b.Artifacts) != len(artifacts) {
		return fmt.Errorf("artifact count mismatch: bundle %d, db %d", len(b.Artifacts), len(artifacts))
	}
	want := map[string]bool{}
	for _, a := range artifacts {
		want[a.SHA256] = true
	}
	for _, ba := range b.Artifacts {
		if !want[ba.SHA256] {
			return fmt.Errorf("bundle hash %s not present in persisted set", ba.SHA256)
		}
	}
	return nil
}

// resolveWindow derives the collection window from explicit bounds or a
// period shorthand (today | 7d | 30d | <N>d, clamped to [1,365]).
func resolveWindow(period string, from, to, now time.Time) (time.Time, time.Time, error) {
	if !from.IsZero() && !to.IsZero() {
		if to.Before(from) {
			return time.Time{}, time.Time{}, fmt.Errorf("collector: window_to precedes window_from")
		}
		return from.UTC(), to.UTC(), nil
	}

	days := defaultPeriodDays
	switch {
	case period == "":
	case period == "today":
		days = 1
	case periodPattern.MatchString(period):
		n, err := strconv.Atoi(periodPattern.FindStringSubmatch(period)[1])
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("collector: invalid period %q", period)
		}
		days = n
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("collector: invalid period %q", period)
	}
	if days < 1 {
		days = 1
	}
	if days > maxPeriodDays {
		days = maxPeriodDays
	}
	return now.AddDate(0, 0, -days), now, nil
}

func clampArtifacts(n int) int {
	if n == 0 {
		return defaultArtifacts
	}
	if n < minMaxArtifacts {
		return minMaxArtifacts
	}
	if n > maxMaxArtifacts {
		return maxMaxArtifacts
	}
	return n
}
