package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/core/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects using a lib/pq DSN and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection without migrating. Used by
// tests that stub the database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		collection_id TEXT PRIMARY KEY,
		startup_id TEXT NOT NULL,
		window_from TEXT NOT NULL,
		window_to TEXT NOT NULL,
		status TEXT NOT NULL,
		encrypted_path TEXT NOT NULL DEFAULT '',
		artifact_count BIGINT NOT NULL DEFAULT 0,
		total_size_bytes BIGINT NOT NULL DEFAULT 0,
		doc_types JSONB,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collections_startup_created
		ON collections (startup_id, created_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		doc_type TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		mtime TEXT NOT NULL,
		PRIMARY KEY (artifact_id, collection_id)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_collection
		ON artifacts (collection_id);

	CREATE TABLE IF NOT EXISTS scope_audits (
		id BIGSERIAL PRIMARY KEY,
		collection_id TEXT NOT NULL,
		startup_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		doc_type TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scope_audits_startup_created
		ON scope_audits (startup_id, created_at);

	CREATE TABLE IF NOT EXISTS normalized_records (
		record_id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		artifact_id TEXT NOT NULL,
		startup_id TEXT NOT NULL,
		doc_type TEXT NOT NULL,
		payload JSONB,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_normalized_startup_created
		ON normalized_records (startup_id, created_at);

	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		startup_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload JSONB,
		status TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		approved_at TEXT,
		dispatched_at TEXT,
		approver TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'low',
		risk_reasons JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status_requested
		ON approvals (status, requested_at);

	CREATE TABLE IF NOT EXISTS approval_signoffs (
		approval_id TEXT NOT NULL,
		approver TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (approval_id, approver)
	);
	CREATE INDEX IF NOT EXISTS idx_signoffs_approval_created
		ON approval_signoffs (approval_id, created_at);

	CREATE TABLE IF NOT EXISTS integration_connections (
		connection_id TEXT PRIMARY KEY,
		startup_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'byo_oauth',
		status TEXT NOT NULL,
		scopes JSONB,
		token_ref TEXT NOT NULL DEFAULT '',
		refresh_token_ref TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		revoked_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_connections_lookup
		ON integration_connections (startup_id, provider, status, updated_at);

	CREATE TABLE IF NOT EXISTS integration_sync_runs (
		run_id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		run_mode TEXT NOT NULL,
		window_from TEXT NOT NULL,
		window_to TEXT NOT NULL,
		status TEXT NOT NULL,
		summary JSONB,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_runs_connection
		ON integration_sync_runs (connection_id, started_at);

	CREATE TABLE IF NOT EXISTS integration_documents (
		document_id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		doc_type TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_integration_documents_run
		ON integration_documents (run_id);

	CREATE TABLE IF NOT EXISTS user_confirmations (
		confirmation_id TEXT PRIMARY KEY,
		startup_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		responded_at TEXT,
		responder TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_confirmations_collection
		ON user_confirmations (collection_id, requested_at);
	`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveCollection(ctx context.Context, col *contracts.Collection, artifacts []contracts.Artifact, audits []contracts.ScopeAudit, records []contracts.NormalizedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	docTypes, _ := json.Marshal(col.DocTypes)
	_, err = tx.ExecContext(ctx, `INSERT INTO collections
		(collection_id, startup_id, window_from, window_to, status, encrypted_path, artifact_count, total_size_bytes, doc_types, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		col.CollectionID, col.StartupID, fmtTime(col.WindowFrom), fmtTime(col.WindowTo),
		col.Status, col.EncryptedPath, col.ArtifactCount, col.TotalSize, string(docTypes), fmtTime(col.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert collection: %w", err)
	}

	for _, a := range artifacts {
		_, err = tx.ExecContext(ctx, `INSERT INTO artifacts
			(artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (artifact_id, collection_id) DO UPDATE SET
				rel_path = EXCLUDED.rel_path,
				size_bytes = EXCLUDED.size_bytes,
				doc_type = EXCLUDED.doc_type,
				confidence = EXCLUDED.confidence,
				mtime = EXCLUDED.mtime`,
			a.ArtifactID, a.CollectionID, a.RelPath, a.SHA256, a.SizeBytes, a.DocType, a.Confidence, fmtTime(a.MTime))
		if err != nil {
			return fmt.Errorf("store: insert artifact %s: %w", a.ArtifactID, err)
		}
	}

	for _, audit := range audits {
		_, err = tx.ExecContext(ctx, `INSERT INTO scope_audits
			(collection_id, startup_id, rel_path, doc_type, decision, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			audit.CollectionID, audit.StartupID, audit.RelPath, audit.DocType, audit.Decision, audit.Reason, fmtTime(audit.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: insert scope audit: %w", err)
		}
	}

	for _, rec := range records {
		payload, _ := json.Marshal(rec.Payload)
		_, err = tx.ExecContext(ctx, `INSERT INTO normalized_records
			(record_id, collection_id, artifact_id, startup_id, doc_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (record_id) DO UPDATE SET payload = EXCLUDED.payload`,
			rec.RecordID, rec.CollectionID, rec.ArtifactID, rec.StartupID, rec.DocType, string(payload), fmtTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: upsert normalized record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit collection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollection(ctx context.Context, collectionID string) (*contracts.Collection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT collection_id, startup_id, window_from, window_to, status,
		encrypted_path, artifact_count, total_size_bytes, doc_types, created_at
		FROM collections WHERE collection_id = $1`, collectionID)
	return scanCollection(row)
}

func (s *PostgresStore) ListCollections(ctx context.Context, startupID string, limit int) ([]contracts.Collection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT collection_id, startup_id, window_from, window_to, status,
		encrypted_path, artifact_count, total_size_bytes, doc_types, created_at
		FROM collections WHERE ($1 = '' OR startup_id = $1)
		ORDER BY created_at DESC LIMIT $2`, startupID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateCollectionStatus(ctx context.Context, collectionID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE collections SET status = $1 WHERE collection_id = $2`, status, collectionID)
	if err != nil {
		return fmt.Errorf("store: update collection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: collection %s", ErrNotFound, collectionID)
	}
	return nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, collectionID string) ([]contracts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime
		FROM artifacts WHERE collection_id = $1 ORDER BY rel_path`, collectionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Artifact
	for rows.Next() {
		var a contracts.Artifact
		var mtime string
		if err := rows.Scan(&a.ArtifactID, &a.CollectionID, &a.RelPath, &a.SHA256, &a.SizeBytes, &a.DocType, &a.Confidence, &mtime); err != nil {
			return nil, err
		}
		a.MTime = parseTime(mtime)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListScopeAudits(ctx context.Context, startupID string, limit int) ([]contracts.ScopeAudit, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT collection_id, startup_id, rel_path, doc_type, decision, reason, created_at
		FROM scope_audits WHERE ($1 = '' OR startup_id = $1)
		ORDER BY created_at DESC, id DESC LIMIT $2`, startupID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ScopeAudit
	for rows.Next() {
		var a contracts.ScopeAudit
		var created string
		if err := rows.Scan(&a.CollectionID, &a.StartupID, &a.RelPath, &a.DocType, &a.Decision, &a.Reason, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertNormalizedRecord(ctx context.Context, rec *contracts.NormalizedRecord) error {
	payload, _ := json.Marshal(rec.Payload)
	_, err := s.db.ExecContext(ctx, `INSERT INTO normalized_records
		(record_id, collection_id, artifact_id, startup_id, doc_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_id) DO UPDATE SET payload = EXCLUDED.payload`,
		rec.RecordID, rec.CollectionID, rec.ArtifactID, rec.StartupID, rec.DocType, string(payload), fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert normalized record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNormalizedRecords(ctx context.Context, collectionID string) ([]contracts.NormalizedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, collection_id, artifact_id, startup_id, doc_type, payload, created_at
		FROM normalized_records WHERE collection_id = $1 ORDER BY record_id`, collectionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.NormalizedRecord
	for rows.Next() {
		var r contracts.NormalizedRecord
		var payload sql.NullString
		var created string
		if err := rows.Scan(&r.RecordID, &r.CollectionID, &r.ArtifactID, &r.StartupID, &r.DocType, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "null" {
			_ = json.Unmarshal([]byte(payload.String), &r.Payload)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	payload, _ := json.Marshal(a.Payload)
	reasons, _ := json.Marshal(a.RiskReasons)
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals
		(approval_id, collection_id, startup_id, action_type, payload, status, requested_at,
		 approved_at, dispatched_at, approver, reject_reason, expires_at, risk_score, risk_level, risk_reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ApprovalID, a.CollectionID, a.StartupID, a.ActionType, string(payload), a.Status,
		fmtTime(a.RequestedAt), fmtTimePtr(a.ApprovedAt), fmtTimePtr(a.DispatchedAt),
		a.Approver, a.RejectReason, fmtTime(a.ExpiresAt), a.RiskScore, a.RiskLevel, string(reasons))
	if err != nil {
		return fmt.Errorf("store: insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApproval(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, approvalID)
	return scanApproval(row)
}

func (s *PostgresStore) ListApprovalsByStatus(ctx context.Context, status, startupID string) ([]contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE status = $1 AND ($2 = '' OR startup_id = $2)
		ORDER BY risk_score DESC, requested_at ASC`, status, startupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TransitionApproval(ctx context.Context, approvalID, fromStatus string, update ApprovalUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET
			status = $1,
			approver = CASE WHEN $2 != '' THEN $2 ELSE approver END,
			reject_reason = CASE WHEN $3 != '' THEN $3 ELSE reject_reason END,
			approved_at = COALESCE($4, approved_at),
			dispatched_at = COALESCE($5, dispatched_at)
		WHERE approval_id = $6 AND status = $7`,
		update.ToStatus, update.Approver, update.RejectReason,
		fmtTimePtr(update.ApprovedAt), fmtTimePtr(update.DispatchedAt),
		approvalID, fromStatus)
	if err != nil {
		return false, fmt.Errorf("store: transition approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) AddSignoff(ctx context.Context, approvalID, approver string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO approval_signoffs (approval_id, approver, created_at)
		VALUES ($1, $2, $3) ON CONFLICT (approval_id, approver) DO NOTHING`,
		approvalID, approver, fmtTime(at))
	if err != nil {
		return fmt.Errorf("store: insert signoff: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSignoffs(ctx context.Context, approvalID string) ([]contracts.Signoff, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approval_id, approver, created_at
		FROM approval_signoffs WHERE approval_id = $1 ORDER BY created_at ASC, approver ASC`, approvalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Signoff
	for rows.Next() {
		var so contracts.Signoff
		var created string
		if err := rows.Scan(&so.ApprovalID, &so.Approver, &created); err != nil {
			return nil, err
		}
		so.CreatedAt = parseTime(created)
		out = append(out, so)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetApprovalApprover(ctx context.Context, approvalID, approver string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE approvals SET approver = $1 WHERE approval_id = $2`, approver, approvalID)
	if err != nil {
		return fmt.Errorf("store: set approver: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertConnection(ctx context.Context, c *contracts.Connection) error {
	scopes, _ := json.Marshal(c.Scopes)
	metadata, _ := json.Marshal(c.Metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO integration_connections
		(connection_id, startup_id, provider, mode, status, scopes, token_ref, refresh_token_ref, metadata, created_at, updated_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (connection_id) DO UPDATE SET
			status = EXCLUDED.status,
			scopes = EXCLUDED.scopes,
			token_ref = EXCLUDED.token_ref,
			refresh_token_ref = EXCLUDED.refresh_token_ref,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			revoked_at = EXCLUDED.revoked_at`,
		c.ConnectionID, c.StartupID, c.Provider, c.Mode, c.Status, string(scopes),
		c.TokenRef, c.RefreshRef, string(metadata), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt), fmtTimePtr(c.RevokedAt))
	if err != nil {
		return fmt.Errorf("store: upsert connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, connectionID string) (*contracts.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT connection_id, startup_id, provider, mode, status, scopes,
		token_ref, refresh_token_ref, metadata, created_at, updated_at, revoked_at
		FROM integration_connections WHERE connection_id = $1`, connectionID)
	return scanConnection(row)
}

func (s *PostgresStore) ListConnections(ctx context.Context, startupID string) ([]contracts.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connection_id, startup_id, provider, mode, status, scopes,
		token_ref, refresh_token_ref, metadata, created_at, updated_at, revoked_at
		FROM integration_connections WHERE ($1 = '' OR startup_id = $1)
		ORDER BY updated_at DESC`, startupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSyncRun(ctx context.Context, run *contracts.SyncRun) error {
	summary, _ := json.Marshal(run.Summary)
	_, err := s.db.ExecContext(ctx, `INSERT INTO integration_sync_runs
		(run_id, connection_id, run_mode, window_from, window_to, status, summary, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.RunID, run.ConnectionID, run.RunMode, fmtTime(run.WindowFrom), fmtTime(run.WindowTo),
		run.Status, string(summary), run.Error, fmtTime(run.StartedAt), fmtTimePtr(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("store: insert sync run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, runID, status string, summary map[string]any, errMsg string, at time.Time) error {
	raw, _ := json.Marshal(summary)
	res, err := s.db.ExecContext(ctx, `UPDATE integration_sync_runs
		SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE run_id = $5`,
		status, string(raw), errMsg, fmtTime(at), runID)
	if err != nil {
		return fmt.Errorf("store: finish sync run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sync run %s", ErrNotFound, runID)
	}
	return nil
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, connectionID string, limit int) ([]contracts.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, connection_id, run_mode, window_from, window_to,
		status, summary, error, started_at, finished_at
		FROM integration_sync_runs WHERE connection_id = $1
		ORDER BY started_at DESC LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.SyncRun
	for rows.Next() {
		var r contracts.SyncRun
		var summary sql.NullString
		var from, to, started string
		var finished sql.NullString
		if err := rows.Scan(&r.RunID, &r.ConnectionID, &r.RunMode, &from, &to, &r.Status, &summary, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.WindowFrom, r.WindowTo, r.StartedAt = parseTime(from), parseTime(to), parseTime(started)
		if summary.Valid && summary.String != "null" {
			_ = json.Unmarshal([]byte(summary.String), &r.Summary)
		}
		r.FinishedAt = parseTimePtr(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddIntegrationDocument(ctx context.Context, doc *contracts.IntegrationDocument) error {
	metadata, _ := json.Marshal(doc.Metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO integration_documents
		(document_id, run_id, connection_id, external_id, title, doc_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (document_id) DO UPDATE SET title = EXCLUDED.title, metadata = EXCLUDED.metadata`,
		doc.DocumentID, doc.RunID, doc.ConnectionID, doc.ExternalID, doc.Title, doc.DocType, string(metadata), fmtTime(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert integration document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIntegrationDocuments(ctx context.Context, runID string) ([]contracts.IntegrationDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, run_id, connection_id, external_id, title, doc_type, metadata, created_at
		FROM integration_documents WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.IntegrationDocument
	for rows.Next() {
		var d contracts.IntegrationDocument
		var metadata sql.NullString
		var created string
		if err := rows.Scan(&d.DocumentID, &d.RunID, &d.ConnectionID, &d.ExternalID, &d.Title, &d.DocType, &metadata, &created); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "null" {
			_ = json.Unmarshal([]byte(metadata.String), &d.Metadata)
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateConfirmation(ctx context.Context, c *contracts.UserConfirmation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_confirmations
		(confirmation_id, startup_id, collection_id, subject, status, requested_at, responded_at, responder, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ConfirmationID, c.StartupID, c.CollectionID, c.Subject, c.Status,
		fmtTime(c.RequestedAt), fmtTimePtr(c.RespondedAt), c.Responder, c.Note)
	if err != nil {
		return fmt.Errorf("store: insert confirmation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConfirmation(ctx context.Context, confirmationID string) (*contracts.UserConfirmation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT confirmation_id, startup_id, collection_id, subject, status,
		requested_at, responded_at, responder, note
		FROM user_confirmations WHERE confirmation_id = $1`, confirmationID)
	return scanConfirmation(row)
}

func (s *PostgresStore) LatestConfirmationForCollection(ctx context.Context, collectionID string) (*contracts.UserConfirmation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT confirmation_id, startup_id, collection_id, subject, status,
		requested_at, responded_at, responder, note
		FROM user_confirmations WHERE collection_id = $1
		ORDER BY requested_at DESC LIMIT 1`, collectionID)
	return scanConfirmation(row)
}

func (s *PostgresStore) RespondConfirmation(ctx context.Context, confirmationID, status, responder, note string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE user_confirmations
		SET status = $1, responder = $2, note = $3, responded_at = $4
		WHERE confirmation_id = $5 AND status = 'pending'`,
		status, responder, note, fmtTime(at), confirmationID)
	if err != nil {
		return false, fmt.Errorf("store: respond confirmation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
