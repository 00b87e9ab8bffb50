// Package contracts defines the shared domain types of the OpenClaw
// evidence-collection platform: collections, artifacts, approvals, and the
// bookkeeping rows that govern outbound dispatch.
//
// All timestamps are UTC. Identifiers are opaque strings; artifact ids carry
// a "sha256:" prefix binding them to their content hash.
package contracts

import "time"

// Collection statuses.
const (
	CollectionCollected          = "collected"
	CollectionAwaitingApproval   = "awaiting_approval"
	CollectionVerificationFailed = "verification_failed"
	CollectionDispatched         = "dispatched"
)

// Approval statuses.
const (
	ApprovalPending    = "pending"
	ApprovalApproved   = "approved"
	ApprovalRejected   = "rejected"
	ApprovalExpired    = "expired"
	ApprovalDispatched = "dispatched"
)

// Integration connection statuses.
const (
	ConnectionAwaitingCredentials = "awaiting_credentials"
	ConnectionPendingConsent      = "pending_consent"
	ConnectionConnected           = "connected"
	ConnectionRevoked             = "revoked"
	ConnectionError               = "error"
)

// Sync run statuses.
const (
	SyncRunRunning   = "running"
	SyncRunCompleted = "completed"
	SyncRunFailed    = "failed"
)

// User confirmation statuses.
const (
	ConfirmationPending   = "pending"
	ConfirmationConfirmed = "confirmed"
	ConfirmationRejected  = "rejected"
)

// Collection is one pull cycle's output for a tenant.
type Collection struct {
	CollectionID  string            `json:"collection_id"`
	StartupID     string            `json:"startup_id"`
	WindowFrom    time.Time         `json:"window_from"`
	WindowTo      time.Time         `json:"window_to"`
	Status        string            `json:"status"`
	EncryptedPath string            `json:"encrypted_path"`
	ArtifactCount int               `json:"artifact_count"`
	TotalSize     int64             `json:"total_size_bytes"`
	DocTypes      map[string]int    `json:"doc_types"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Artifact is one collected file. ArtifactID is "sha256:" + hex(sha256(content)).
type Artifact struct {
	ArtifactID   string    `json:"artifact_id"`
	CollectionID string    `json:"collection_id"`
	RelPath      string    `json:"rel_path"`
	SHA256       string    `json:"sha256"`
	SizeBytes    int64     `json:"size_bytes"`
	DocType      string    `json:"doc_type"`
	Confidence   float64   `json:"confidence"`
	MTime        time.Time `json:"mtime"`
}

// ScopeAudit is one append-only policy decision for a considered artifact.
type ScopeAudit struct {
	CollectionID string    `json:"collection_id"`
	StartupID    string    `json:"startup_id"`
	RelPath      string    `json:"rel_path"`
	DocType      string    `json:"doc_type"`
	Decision     string    `json:"decision"` // allow | reject
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizedRecord holds doc-type-specific fields extracted from an artifact.
// RecordID is hex(sha256(collection_id + ":" + artifact_id + ":" + doc_type)),
// making the upsert idempotent.
type NormalizedRecord struct {
	RecordID     string         `json:"record_id"`
	CollectionID string         `json:"collection_id"`
	ArtifactID   string         `json:"artifact_id"`
	StartupID    string         `json:"startup_id"`
	DocType      string         `json:"doc_type"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Approval gates outbound dispatch of a collection.
type Approval struct {
	ApprovalID   string         `json:"approval_id"`
	CollectionID string         `json:"collection_id"`
	StartupID    string         `json:"startup_id"`
	ActionType   string         `json:"action_type"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	RequestedAt  time.Time      `json:"requested_at"`
	ApprovedAt   *time.Time     `json:"approved_at,omitempty"`
	DispatchedAt *time.Time     `json:"dispatched_at,omitempty"`
	Approver     string         `json:"approver,omitempty"`
	RejectReason string         `json:"reject_reason,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	RiskScore    float64        `json:"risk_score"`
	RiskLevel    string         `json:"risk_level"`
	RiskReasons  []string       `json:"risk_reasons"`
}

// Expired reports whether the approval's TTL has elapsed at the given time.
func (a *Approval) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Signoff records one distinct approver of a high-risk approval.
type Signoff struct {
	ApprovalID string    `json:"approval_id"`
	Approver   string    `json:"approver"`
	CreatedAt  time.Time `json:"created_at"`
}

// Connection binds a tenant to a third-party SaaS credential set.
// Metadata carries the envelope-encrypted client config and token payload;
// raw secrets never appear in cleartext.
type Connection struct {
	ConnectionID string         `json:"connection_id"`
	StartupID    string         `json:"startup_id"`
	Provider     string         `json:"provider"`
	Mode         string         `json:"mode"`
	Status       string         `json:"status"`
	Scopes       []string       `json:"scopes"`
	TokenRef     string         `json:"token_ref,omitempty"`
	RefreshRef   string         `json:"refresh_token_ref,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	RevokedAt    *time.Time     `json:"revoked_at,omitempty"`
}

// SyncRun records one integration sync attempt.
type SyncRun struct {
	RunID        string         `json:"run_id"`
	ConnectionID string         `json:"connection_id"`
	RunMode      string         `json:"run_mode"` // dry_run | pull | manual
	WindowFrom   time.Time      `json:"window_from"`
	WindowTo     time.Time      `json:"window_to"`
	Status       string         `json:"status"`
	Summary      map[string]any `json:"summary,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// IntegrationDocument is a per-run document record for non-filesystem ingest.
type IntegrationDocument struct {
	DocumentID   string         `json:"document_id"`
	RunID        string         `json:"run_id"`
	ConnectionID string         `json:"connection_id"`
	ExternalID   string         `json:"external_id"`
	Title        string         `json:"title"`
	DocType      string         `json:"doc_type"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UserConfirmation is an out-of-band consent captured before external dispatch.
type UserConfirmation struct {
	ConfirmationID string     `json:"confirmation_id"`
	StartupID      string     `json:"startup_id"`
	CollectionID   string     `json:"collection_id"`
	Subject        string     `json:"subject"`
	Status         string     `json:"status"`
	RequestedAt    time.Time  `json:"requested_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	Responder      string     `json:"responder,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// ManifestEntry is one artifact advertised by a gateway manifest.
type ManifestEntry struct {
	ArtifactID string    `json:"artifact_id"`
	RelPath    string    `json:"rel_path"`
	SizeBytes  int64     `json:"size_bytes"`
	MTime      time.Time `json:"mtime"`
	SHA256     string    `json:"sha256"`
	DocType    string    `json:"doc_type"`
	Confidence float64   `json:"confidence"`
}

/// ArtifactContent is a gateway artifact download: metadata plus base64 bytes.
type ArtifactContent struct {
	RelPath    string `json:"rel_path"`
	SizeBytes  int64  `json:"size_bytes"`
	SHA256     string `json:"sha256"`
	ContentB64 string `json:"content_b64"`
}
