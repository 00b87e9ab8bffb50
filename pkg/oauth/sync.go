package oauth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/core/pkg/contracts"
)

// Run modes for sync runs.
const (
	RunModeDryRun = "dry_run"
	RunModePull   = "pull"
	RunModeManual = "manual"
)

// BeginSync opens a sync run against a connection. A pull run requires a
// connected credential; dry runs and manual runs only require the connection
// to not be revoked.
func (s *Service) BeginSync(ctx context.Context, connectionID, runMode string, windowFrom, windowTo time.Time) (*contracts.SyncRun, error) {
	switch runMode {
	case RunModeDryRun, RunModePull, RunModeManual:
	default:
		return nil, fmt.Errorf("oauth: invalid run_mode %q", runMode)
	}
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == contracts.ConnectionRevoked {
		return nil, fmt.Errorf("oauth: connection %s is revoked", connectionID)
	}
	if runMode == RunModePull && conn.Status != contracts.ConnectionConnected {
		return nil, fmt.Errorf("oauth: pull requires a connected credential, connection %s is %s",
			connectionID, conn.Status)
	}

	run := &contracts.SyncRun{
		RunID:        uuid.New().String(),
		ConnectionID: connectionID,
		RunMode:      runMode,
		WindowFrom:   windowFrom,
		WindowTo:     windowTo,
		Status:       contracts.SyncRunRunning,
		StartedAt:    s.clock(),
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteSync records the run's documents and closes it. A non-empty errMsg
// marks the run failed; documents gathered before the failure are still kept.
func (s *Service) CompleteSync(ctx context.Context, runID string, docs []contracts.IntegrationDocument, errMsg string) error {
	now := s.clock()
	for i := range docs {
		doc := docs[i]
		if doc.DocumentID == "" {
			doc.DocumentID = uuid.New().String()
		}
		doc.RunID = runID
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		if err := s.store.AddIntegrationDocument(ctx, &doc); err != nil {
			return err
		}
	}

	status := contracts.SyncRunCompleted
	if errMsg != "" {
		status = contracts.SyncRunFailed
	}
	summary := map[string]any{"document_count": len(docs)}
	return s.store.FinishSyncRun(ctx, runID, status, summary, errMsg, now)
}

// SyncHistory lists recent runs for a connection, newest first.
func (s *Service) SyncHistory(ctx context.Context, connectionID string, limit int) ([]contracts.SyncRun, error) {
	return s.store.ListSyncRuns(ctx, connectionID, limit)
}
