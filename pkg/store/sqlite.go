package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openclaw/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on SQLite via the pure-Go driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and migrates the schema.
// Use ":memory:" for tests.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The pure-Go driver serializes writes; a single connection avoids
	// table-lock errors under concurrent cycles.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		collection_id TEXT PRIMARY KEY,
		startup_id TEXT NOT NULL,
		window_from TEXT NOT NULL,
		window_to TEXT NOT NULL,
		status TEXT NOT NULL,
		encrypted_path TEXT NOT NULL DEFAULT '',
		artifact_count INTEGER NOT NULL DEFAULT 0,
		total_size_bytes INTEGER NOT NULL DEFAULT 0,
		doc_types JSON,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_collections_startup_created
		ON collections (startup_id, created_at);

	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		doc_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		mtime TEXT NOT NULL,
		PRIMARY KEY (artifact_id, collection_id)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_collection
		ON artifacts (collection_id);

	CREATE TABLE IF NOT EXISTS scope_audits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
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
		payload JSON,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_normalized_startup_created
		ON normalized_records (startup_id, created_at);

	CREATE TABLE IF NOT EXISTS approvals (
		approval_id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		startup_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload JSON,
		status TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		approved_at TEXT,
		dispatched_at TEXT,
		approver TEXT NOT NULL DEFAULT '',
		reject_reason TEXT NOT NULL DEFAULT '',
		expires_at TEXT NOT NULL,
		risk_score REAL NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'low',
		risk_reasons JSON
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
		scopes JSON,
		token_ref TEXT NOT NULL DEFAULT '',
		refresh_token_ref TEXT NOT NULL DEFAULT '',
		metadata JSON,
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
		summary JSON,
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
		metadata JSON,
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
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// -- collections ------------------------------------------------------------

func (s *SQLiteStore) SaveCollection(ctx context.Context, col *contracts.Collection, artifacts []contracts.Artifact, audits []contracts.ScopeAudit, records []contracts.NormalizedRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	docTypes, _ := json.Marshal(col.DocTypes)
	_, err = tx.ExecContext(ctx, `INSERT INTO collections
		(collection_id, startup_id, window_from, window_to, status, encrypted_path, artifact_count, total_size_bytes, doc_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		col.CollectionID, col.StartupID, fmtTime(col.WindowFrom), fmtTime(col.WindowTo),
		col.Status, col.EncryptedPath, col.ArtifactCount, col.TotalSize, string(docTypes), fmtTime(col.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert collection: %w", err)
	}

	for _, a := range artifacts {
		// A later duplicate hash replaces the earlier artifact row.
		_, err = tx.ExecContext(ctx, `INSERT INTO artifacts
			(artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (artifact_id, collection_id) DO UPDATE SET
				rel_path = excluded.rel_path,
				size_bytes = excluded.size_bytes,
				doc_type = excluded.doc_type,
				confidence = excluded.confidence,
				mtime = excluded.mtime`,
			a.ArtifactID, a.CollectionID, a.RelPath, a.SHA256, a.SizeBytes, a.DocType, a.Confidence, fmtTime(a.MTime))
		if err != nil {
			return fmt.Errorf("store: insert artifact %s: %w", a.ArtifactID, err)
		}
	}

	for _, audit := range audits {
		_, err = tx.ExecContext(ctx, `INSERT INTO scope_audits
			(collection_id, startup_id, rel_path, doc_type, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			audit.CollectionID, audit.StartupID, audit.RelPath, audit.DocType, audit.Decision, audit.Reason, fmtTime(audit.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: insert scope audit: %w", err)
		}
	}

	for _, rec := range records {
		if err := upsertNormalized(ctx, tx, &rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit collection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCollection(ctx context.Context, collectionID string) (*contracts.Collection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT collection_id, startup_id, window_from, window_to, status,
		encrypted_path, artifact_count, total_size_bytes, doc_types, created_at
		FROM collections WHERE collection_id = ?`, collectionID)
	return scanCollection(row)
}

func (s *SQLiteStore) ListCollections(ctx context.Context, startupID string, limit int) ([]contracts.Collection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT collection_id, startup_id, window_from, window_to, status,
		encrypted_path, artifact_count, total_size_bytes, doc_types, created_at
		FROM collections WHERE (? = '' OR startup_id = ?)
		ORDER BY created_at DESC LIMIT ?`, startupID, startupID, limit)
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

func (s *SQLiteStore) UpdateCollectionStatus(ctx context.Context, collectionID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE collections SET status = ? WHERE collection_id = ?`, status, collectionID)
	if err != nil {
		return fmt.Errorf("store: update collection status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: collection %s", ErrNotFound, collectionID)
	}
	return nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, collectionID string) ([]contracts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT artifact_id, collection_id, rel_path, sha256, size_bytes, doc_type, confidence, mtime
		FROM artifacts WHERE collection_id = ? ORDER BY rel_path`, collectionID)
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

func (s *SQLiteStore) ListScopeAudits(ctx context.Context, startupID string, limit int) ([]contracts.ScopeAudit, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `SELECT collection_id, startup_id, rel_path, doc_type, decision, reason, created_at
		FROM scope_audits WHERE (? = '' OR startup_id = ?)
		ORDER BY created_at DESC, id DESC LIMIT ?`, startupID, startupID, limit)
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

// -- normalized records -----------------------------------------------------

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertNormalized(ctx context.Context, db execer, rec *contracts.NormalizedRecord) error {
	payload, _ := json.Marshal(rec.Payload)
	_, err := db.ExecContext(ctx, `INSERT INTO normalized_records
		(record_id, collection_id, artifact_id, startup_id, doc_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET payload = excluded.payload`,
		rec.RecordID, rec.CollectionID, rec.ArtifactID, rec.StartupID, rec.DocType, string(payload), fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: upsert normalized record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertNormalizedRecord(ctx context.Context, rec *contracts.NormalizedRecord) error {
	return upsertNormalized(ctx, s.db, rec)
}

func (s *SQLiteStore) ListNormalizedRecords(ctx context.Context, collectionID string) ([]contracts.NormalizedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, collection_id, artifact_id, startup_id, doc_type, payload, created_at
		FROM normalized_records WHERE collection_id = ? ORDER BY record_id`, collectionID)
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
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &r.Payload)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// -- approvals --------------------------------------------------------------

func (s *SQLiteStore) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	payload, _ := json.Marshal(a.Payload)
	reasons, _ := json.Marshal(a.RiskReasons)
	_, err := s.db.ExecContext(ctx, `INSERT INTO approvals
		(approval_id, collection_id, startup_id, action_type, payload, status, requested_at,
		 approved_at, dispatched_at, approver, reject_reason, expires_at, risk_score, risk_level, risk_reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.CollectionID, a.StartupID, a.ActionType, string(payload), a.Status,
		fmtTime(a.RequestedAt), fmtTimePtr(a.ApprovedAt), fmtTimePtr(a.DispatchedAt),
		a.Approver, a.RejectReason, fmtTime(a.ExpiresAt), a.RiskScore, a.RiskLevel, string(reasons))
	if err != nil {
		return fmt.Errorf("store: insert approval: %w", err)
	}
	return nil
}

const approvalColumns = `approval_id, collection_id, startup_id, action_type, payload, status, requested_at,
	approved_at, dispatched_at, approver, reject_reason, expires_at, risk_score, risk_level, risk_reasons`

func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, approvalID)
	return scanApproval(row)
}

func (s *SQLiteStore) ListApprovalsByStatus(ctx context.Context, status, startupID string) ([]contracts.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE status = ? AND (? = '' OR startup_id = ?)
		ORDER BY risk_score DESC, requested_at ASC`, status, startupID, startupID)
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

func (s *SQLiteStore) TransitionApproval(ctx context.Context, approvalID, fromStatus string, update ApprovalUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE approvals SET
			status = ?,
			approver = CASE WHEN ? != '' THEN ? ELSE approver END,
			reject_reason = CASE WHEN ? != '' THEN ? ELSE reject_reason END,
			approved_at = COALESCE(?, approved_at),
			dispatched_at = COALESCE(?, dispatched_at)
		WHERE approval_id = ? AND status = ?`,
		update.ToStatus,
		update.Approver, update.Approver,
		update.RejectReason, update.RejectReason,
		fmtTimePtr(update.ApprovedAt), fmtTimePtr(update.DispatchedAt),
		approvalID, fromStatus)
	if err != nil {
		return false, fmt.Errorf("store: transition approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) AddSignoff(ctx context.Context, approvalID, approver string, at time.Time) error {
	// UNIQUE (approval_id, approver): a repeated sign-off is a no-op.
	_, err := s.db.ExecContext(ctx, `INSERT INTO approval_signoffs (approval_id, approver, created_at)
		VALUES (?, ?, ?) ON CONFLICT (approval_id, approver) DO NOTHING`,
		approvalID, approver, fmtTime(at))
	if err != nil {
		return fmt.Errorf("store: insert signoff: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSignoffs(ctx context.Context, approvalID string) ([]contracts.Signoff, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT approval_id, approver, created_at
		FROM approval_signoffs WHERE approval_id = ? ORDER BY created_at ASC, approver ASC`, approvalID)
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

func (s *SQLiteStore) SetApprovalApprover(ctx context.Context, approvalID, approver string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE approvals SET approver = ? WHERE approval_id = ?`, approver, approvalID)
	if err != nil {
		return fmt.Errorf("store: set approver: %w", err)
	}
	return nil
}

// -- integration connections ------------------------------------------------

func (s *SQLiteStore) UpsertConnection(ctx context.Context, c *contracts.Connection) error {
	scopes, _ := json.Marshal(c.Scopes)
	metadata, _ := json.Marshal(c.Metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO integration_connections
		(connection_id, startup_id, provider, mode, status, scopes, token_ref, refresh_token_ref, metadata, created_at, updated_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id) DO UPDATE SET
			status = excluded.status,
			scopes = excluded.scopes,
			token_ref = excluded.token_ref,
			refresh_token_ref = excluded.refresh_token_ref,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			revoked_at = excluded.revoked_at`,
		c.ConnectionID, c.StartupID, c.Provider, c.Mode, c.Status, string(scopes),
		c.TokenRef, c.RefreshRef, string(metadata), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt), fmtTimePtr(c.RevokedAt))
	if err != nil {
		return fmt.Errorf("store: upsert connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConnection(ctx context.Context, connectionID string) (*contracts.Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT connection_id, startup_id, provider, mode, status, scopes,
		token_ref, refresh_token_ref, metadata, created_at, updated_at, revoked_at
		FROM integration_connections WHERE connection_id = ?`, connectionID)
	return scanConnection(row)
}

func (s *SQLiteStore) ListConnections(ctx context.Context, startupID string) ([]contracts.Connection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connection_id, startup_id, provider, mode, status, scopes,
		token_ref, refresh_token_ref, metadata, created_at, updated_at, revoked_at
		FROM integration_connections WHERE (? = '' OR startup_id = ?)
		ORDER BY updated_at DESC`, startupID, startupID)
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

// -- sync runs & documents --------------------------------------------------

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, run *contracts.SyncRun) error {
	summary, _ := json.Marshal(run.Summary)
	_, err := s.db.ExecContext(ctx, `INSERT INTO integration_sync_runs
		(run_id, connection_id, run_mode, window_from, window_to, status, summary, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ConnectionID, run.RunMode, fmtTime(run.WindowFrom), fmtTime(run.WindowTo),
		run.Status, string(summary), run.Error, fmtTime(run.StartedAt), fmtTimePtr(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("store: insert sync run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, runID, status string, summary map[string]any, errMsg string, at time.Time) error {
	raw, _ := json.Marshal(summary)
	res, err := s.db.ExecContext(ctx, `UPDATE integration_sync_runs
		SET status = ?, summary = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, string(raw), errMsg, fmtTime(at), runID)
	if err != nil {
		return fmt.Errorf("store: finish sync run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: sync run %s", ErrNotFound, runID)
	}
	return nil
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, connectionID string, limit int) ([]contracts.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, connection_id, run_mode, window_from, window_to,
		status, summary, error, started_at, finished_at
		FROM integration_sync_runs WHERE connection_id = ?
		ORDER BY started_at DESC LIMIT ?`, connectionID, limit)
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

func (s *SQLiteStore) AddIntegrationDocument(ctx context.Context, doc *contracts.IntegrationDocument) error {
	metadata, _ := json.Marshal(doc.Metadata)
	_, err := s.db.ExecContext(ctx, `INSERT INTO integration_documents
		(document_id, run_id, connection_id, external_id, title, doc_type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET title = excluded.title, metadata = excluded.metadata`,
		doc.DocumentID, doc.RunID, doc.ConnectionID, doc.ExternalID, doc.Title, doc.DocType, string(metadata), fmtTime(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert integration document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIntegrationDocuments(ctx context.Context, runID string) ([]contracts.IntegrationDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, run_id, connection_id, external_id, title, doc_type, metadata, created_at
		FROM integration_documents WHERE run_id = ? ORDER BY created_at ASC`, runID)
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

// -- user confirmations -----------------------------------------------------

func (s *SQLiteStore) CreateConfirmation(ctx context.Context, c *contracts.UserConfirmation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_confirmations
		(confirmation_id, startup_id, collection_id, subject, status, requested_at, responded_at, responder, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConfirmationID, c.StartupID, c.CollectionID, c.Subject, c.Status,
		fmtTime(c.RequestedAt), fmtTimePtr(c.RespondedAt), c.Responder, c.Note)
	if err != nil {
		return fmt.Errorf("store: insert confirmation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConfirmation(ctx context.Context, confirmationID string) (*contracts.UserConfirmation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT confirmation_id, startup_id, collection_id, subject, status,
		requested_at, responded_at, responder, note
		FROM user_confirmations WHERE confirmation_id = ?`, confirmationID)
	return scanConfirmation(row)
}

func (s *SQLiteStore) LatestConfirmationForCollection(ctx context.Context, collectionID string) (*contracts.UserConfirmation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT confirmation_id, startup_id, collection_id, subject, status,
		requested_at, responded_at, responder, note
		FROM user_confirmations WHERE collection_id = ?
		ORDER BY requested_at DESC LIMIT 1`, collectionID)
	return scanConfirmation(row)
}

func (s *SQLiteStore) RespondConfirmation(ctx context.Context, confirmationID, status, responder, note string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE user_confirmations
		SET status = ?, responder = ?, note = ?, responded_at = ?
		WHERE confirmation_id = ? AND status = 'pending'`,
		status, responder, note, fmtTime(at), confirmationID)
	if err != nil {
		return false, fmt.Errorf("store: respond confirmation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// -- scan helpers -----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollection(row rowScanner) (*contracts.Collection, error) {
	var c contracts.Collection
	var from, to, created string
	var docTypes sql.NullString
	err := row.Scan(&c.CollectionID, &c.StartupID, &from, &to, &c.Status,
		&c.EncryptedPath, &c.ArtifactCount, &c.TotalSize, &docTypes, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan collection: %w", err)
	}
	c.WindowFrom, c.WindowTo, c.CreatedAt = parseTime(from), parseTime(to), parseTime(created)
	if docTypes.Valid && docTypes.String != "null" {
		_ = json.Unmarshal([]byte(docTypes.String), &c.DocTypes)
	}
	return &c, nil
}

func scanApproval(row rowScanner) (*contracts.Approval, error) {
	var a contracts.Approval
	var payload, reasons sql.NullString
	var requested, expires string
	var approved, dispatched sql.NullString
	err := row.Scan(&a.ApprovalID, &a.CollectionID, &a.StartupID, &a.ActionType, &payload, &a.Status,
		&requested, &approved, &dispatched, &a.Approver, &a.RejectReason, &expires,
		&a.RiskScore, &a.RiskLevel, &reasons)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan approval: %w", err)
	}
	a.RequestedAt, a.ExpiresAt = parseTime(requested), parseTime(expires)
	a.ApprovedAt, a.DispatchedAt = parseTimePtr(approved), parseTimePtr(dispatched)
	if payload.Valid && payload.String != "null" {
		_ = json.Unmarshal([]byte(payload.String), &a.Payload)
	}
	if reasons.Valid && reasons.String != "null" {
		_ = json.Unmarshal([]byte(reasons.String), &a.RiskReasons)
	}
	return &a, nil
}

func scanConnection(row rowScanner) (*contracts.Connection, error) {
	var c contracts.Connection
	var scopes, metadata sql.NullString
	var created, updated string
	var revoked sql.NullString
	err := row.Scan(&c.ConnectionID, &c.StartupID, &c.Provider, &c.Mode, &c.Status, &scopes,
		&c.TokenRef, &c.RefreshRef, &metadata, &created, &updated, &revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan connection: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = parseTime(created), parseTime(updated)
	c.RevokedAt = parseTimePtr(revoked)
	if scopes.Valid && scopes.String != "null" {
		_ = json.Unmarshal([]byte(scopes.String), &c.Scopes)
	}
	if metadata.Valid && metadata.String != "null" {
		_ = json.Unmarshal([]byte(metadata.String), &c.Metadata)
	}
	return &c, nil
}

func scanConfirmation(row rowScanner) (*contracts.UserConfirmation, error) {
	var c contracts.UserConfirmation
	var requested string
	var responded sql.NullString
	err := row.Scan(&c.ConfirmationID, &c.StartupID, &c.CollectionID, &c.Subject, &c.Status,
		&requested, &responded, &c.Responder, &c.Note)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan confirmation: %w", err)
	}
	c.RequestedAt = parseTime(requested)
	c.RespondedAt = parseTimePtr(responded)
	return &c, nil
}

// -- time helpers -----------------------------------------------------------

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
