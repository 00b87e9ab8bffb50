// Package store persists the platform's long-lived entities: collections,
// artifacts, approvals, sign-offs, scope audits, normalized records,
// integration connections, sync runs, and user confirmations.
//
// Two implementations exist: SQLite (pure Go driver, default) and PostgreSQL.
// Both migrate their schema on open and store timestamps as RFC 3339 text in
// UTC.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openclaw/core/pkg/contracts"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface used by the collector, approval workflow,
// dispatcher, and integration lifecycle.
type Store interface {
	// SaveCollection writes the collection with its artifacts, scope audits,
	// and normalized records in one transaction: all rows appear or none do.
	SaveCollection(ctx context.Context, col *contracts.Collection, artifacts []contracts.Artifact, audits []contracts.ScopeAudit, records []contracts.NormalizedRecord) error
	GetCollection(ctx context.Context, collectionID string) (*contracts.Collection, error)
	ListCollections(ctx context.Context, startupID string, limit int) ([]contracts.Collection, error)
	UpdateCollectionStatus(ctx context.Context, collectionID, status string) error

	ListArtifacts(ctx context.Context, collectionID string) ([]contracts.Artifact, error)
	ListScopeAudits(ctx context.Context, startupID string, limit int) ([]contracts.ScopeAudit, error)
	UpsertNormalizedRecord(ctx context.Context, rec *contracts.NormalizedRecord) error
	ListNormalizedRecords(ctx context.Context, collectionID string) ([]contracts.NormalizedRecord, error)

	CreateApproval(ctx context.Context, a *contracts.Approval) error
	GetApproval(ctx context.Context, approvalID string) (*contracts.Approval, error)
	// ListApprovalsByStatus returns approvals ordered by risk_score DESC,
	// requested_at ASC. An empty startupID matches all tenants.
	ListApprovalsByStatus(ctx context.Context, status, startupID string) ([]contracts.Approval, error)
	// TransitionApproval performs a conditional status change: the update
	// applies only while the row is still in fromStatus. It reports whether
	// a row was changed.
	TransitionApproval(ctx context.Context, approvalID, fromStatus string, update ApprovalUpdate) (bool, error)
	AddSignoff(ctx context.Context, approvalID, approver string, at time.Time) error
	ListSignoffs(ctx context.Context, approvalID string) ([]contracts.Signoff, error)
	// SetApprovalApprover records the running approver list on a still-pending
	// high-risk approval.
	SetApprovalApprover(ctx context.Context, approvalID, approver string) error

	UpsertConnection(ctx context.Context, c *contracts.Connection) error
	GetConnection(ctx context.Context, connectionID string) (*contracts.Connection, error)
	ListConnections(ctx context.Context, startupID string) ([]contracts.Connection, error)

	CreateSyncRun(ctx context.Context, run *contracts.SyncRun) error
	FinishSyncRun(ctx context.Context, runID, status string, summary map[string]any, errMsg string, at time.Time) error
	ListSyncRuns(ctx context.Context, connectionID string, limit int) ([]contracts.SyncRun, error)
	AddIntegrationDocument(ctx context.Context, doc *contracts.IntegrationDocument) error
	ListIntegrationDocuments(ctx context.Context, runID string) ([]contracts.IntegrationDocument, error)

	CreateConfirmation(ctx context.Context, c *contracts.UserConfirmation) error
	GetConfirmation(ctx context.Context, confirmationID string) (*contracts.UserConfirmation, error)
	LatestConfirmationForCollection(ctx context.Context, collectionID string) (*contracts.UserConfirmation, error)
	RespondConfirmation(ctx context.Context, confirmationID, status, responder, note string, at time.Time) (bool, error)

	Close() error
}

// ApprovalUpdate carries the fields set alongside a status transition.
type ApprovalUpdate struct {
	ToStatus     string
	Approver     string
	RejectReason string
	ApprovedAt   *time.Time
	DispatchedAt *time.Time
}
