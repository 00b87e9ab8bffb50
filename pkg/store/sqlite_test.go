package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/contracts"
)

var testNow = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCollection(id string) *contracts.Collection {
	return &contracts.Collection{
		CollectionID:  id,
		StartupID:     "acme",
		WindowFrom:    testNow.AddDate(0, 0, -7),
		WindowTo:      testNow,
		Status:        contracts.CollectionCollected,
		EncryptedPath: "vault/acme/2026/02/10/" + id + ".bin",
		ArtifactCount: 2,
		TotalSize:     2048,
		DocTypes:      map[string]int{"ir_deck": 1, "tax_invoice": 1},
		CreatedAt:     testNow,
	}
}

func TestSaveCollectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	col := sampleCollection("col_1")
	artifacts := []contracts.Artifact{
		{ArtifactID: "sha256:aa", CollectionID: "col_1", RelPath: "desktop_common/deck.txt", SHA256: "aa", SizeBytes: 1024, DocType: "ir_deck", Confidence: 0.95, MTime: testNow},
		{ArtifactID: "sha256:bb", CollectionID: "col_1", RelPath: "desktop_common/inv.txt", SHA256: "bb", SizeBytes: 1024, DocType: "tax_invoice", Confidence: 0.95, MTime: testNow},
	}
	audits := []contracts.ScopeAudit{
		{CollectionID: "col_1", StartupID: "acme", RelPath: "desktop_common/deck.txt", DocType: "ir_deck", Decision: "allow", Reason: "in_scope", CreatedAt: testNow},
		{CollectionID: "col_1", StartupID: "acme", RelPath: "desktop_common/x.tmp", DocType: "unknown", Decision: "reject", Reason: "deny_pattern:*.tmp", CreatedAt: testNow},
	}
	records := []contracts.NormalizedRecord{
		{RecordID: "rec1", CollectionID: "col_1", ArtifactID: "sha256:aa", StartupID: "acme", DocType: "ir_deck",
			Payload: map[string]any{"schema_version": "vc_evidence_v1"}, CreatedAt: testNow},
	}

	require.NoError(t, s.SaveCollection(ctx, col, artifacts, audits, records))

	got, err := s.GetCollection(ctx, "col_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.StartupID)
	assert.Equal(t, map[string]int{"ir_deck": 1, "tax_invoice": 1}, got.DocTypes)
	assert.True(t, got.WindowTo.Equal(testNow))

	arts, err := s.ListArtifacts(ctx, "col_1")
	require.NoError(t, err)
	assert.Len(t, arts, 2)

	auditRows, err := s.ListScopeAudits(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Len(t, auditRows, 2)

	recs, err := s.ListNormalizedRecords(ctx, "col_1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "vc_evidence_v1", recs[0].Payload["schema_version"])
}

func TestSaveCollectionDuplicateHashReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	artifacts := []contracts.Artifact{
		{ArtifactID: "sha256:aa", CollectionID: "col_1", RelPath: "desktop_common/a.txt", SHA256: "aa", DocType: "ir_deck", MTime: testNow},
		{ArtifactID: "sha256:aa", CollectionID: "col_1", RelPath: "desktop_common/copy_of_a.txt", SHA256: "aa", DocType: "ir_deck", MTime: testNow},
	}
	require.NoError(t, s.SaveCollection(ctx, sampleCollection("col_1"), artifacts, nil, nil))

	arts, err := s.ListArtifacts(ctx, "col_1")
	require.NoError(t, err)
	require.Len(t, arts, 1, "later duplicate hash replaces the earlier row")
	assert.Equal(t, "desktop_common/copy_of_a.txt", arts[0].RelPath)
}

func TestSaveCollectionAtomicOnDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCollection(ctx, sampleCollection("col_1"), nil, nil, nil))

	// A second save with the same collection_id must fail and leave no
	// partial artifact rows behind.
	err := s.SaveCollection(ctx, sampleCollection("col_1"), []contracts.Artifact{
		{ArtifactID: "sha256:zz", CollectionID: "col_1", RelPath: "desktop_common/z.txt", SHA256: "zz", DocType: "unknown", MTime: testNow},
	}, nil, nil)
	require.Error(t, err)

	arts, err := s.ListArtifacts(ctx, "col_1")
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestUpdateCollectionStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCollection(ctx, sampleCollection("col_1"), nil, nil, nil))
	require.NoError(t, s.UpdateCollectionStatus(ctx, "col_1", contracts.CollectionAwaitingApproval))

	got, err := s.GetCollection(ctx, "col_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CollectionAwaitingApproval, got.Status)

	assert.ErrorIs(t, s.UpdateCollectionStatus(ctx, "ghost", "dispatched"), ErrNotFound)
}

func TestNormalizedRecordUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &contracts.NormalizedRecord{
		RecordID: "rec1", CollectionID: "col_1", ArtifactID: "sha256:aa", StartupID: "acme",
		DocType: "ir_deck", Payload: map[string]any{"v": float64(1)}, CreatedAt: testNow,
	}
	require.NoError(t, s.UpsertNormalizedRecord(ctx, rec))

	rec.Payload = map[string]any{"v": float64(2)}
	require.NoError(t, s.UpsertNormalizedRecord(ctx, rec))

	recs, err := s.ListNormalizedRecords(ctx, "col_1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(2), recs[0].Payload["v"])
}

func sampleApproval(id string, score float64, requestedAt time.Time) *contracts.Approval {
	return &contracts.Approval{
		ApprovalID:   id,
		CollectionID: "col_1",
		StartupID:    "acme",
		ActionType:   "dispatch_email",
		Payload:      map[string]any{"recipients": []any{"ops@fund.example"}},
		Status:       contracts.ApprovalPending,
		RequestedAt:  requestedAt,
		ExpiresAt:    requestedAt.Add(48 * time.Hour),
		RiskScore:    score,
		RiskLevel:    "medium",
		RiskReasons:  []string{"missing_core_docs:investment_decision"},
	}
}

func TestApprovalOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApproval(ctx, sampleApproval("apr_low", 0.2, testNow)))
	require.NoError(t, s.CreateApproval(ctx, sampleApproval("apr_high", 0.8, testNow.Add(time.Hour))))
	require.NoError(t, s.CreateApproval(ctx, sampleApproval("apr_high_earlier", 0.8, testNow)))

	pending, err := s.ListApprovalsByStatus(ctx, contracts.ApprovalPending, "")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "apr_high_earlier", pending[0].ApprovalID, "risk DESC then requested_at ASC")
	assert.Equal(t, "apr_high", pending[1].ApprovalID)
	assert.Equal(t, "apr_low", pending[2].ApprovalID)
}

func TestTransitionApprovalConditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApproval(ctx, sampleApproval("apr_1", 0.2, testNow)))

	at := testNow.Add(time.Minute)
	ok, err := s.TransitionApproval(ctx, "apr_1", contracts.ApprovalPending, ApprovalUpdate{
		ToStatus: contracts.ApprovalApproved, Approver: "alice", ApprovedAt: &at,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// The approval already left pending: a second transition is a no-op.
	ok, err = s.TransitionApproval(ctx, "apr_1", contracts.ApprovalPending, ApprovalUpdate{
		ToStatus: contracts.ApprovalRejected, Approver: "bob", RejectReason: "late",
	})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetApproval(ctx, "apr_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.Approver)
	require.NotNil(t, got.ApprovedAt)
	assert.True(t, got.ApprovedAt.Equal(at))
	assert.Nil(t, got.DispatchedAt)
}

func TestSignoffsUniquePerApprover(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSignoff(ctx, "apr_1", "alice", testNow))
	require.NoError(t, s.AddSignoff(ctx, "apr_1", "alice", testNow.Add(time.Minute)))
	require.NoError(t, s.AddSignoff(ctx, "apr_1", "bob", testNow.Add(2*time.Minute)))

	signoffs, err := s.ListSignoffs(ctx, "apr_1")
	require.NoError(t, err)
	require.Len(t, signoffs, 2, "repeated approver must not double-count")
	assert.Equal(t, "alice", signoffs[0].Approver)
	assert.Equal(t, "bob", signoffs[1].Approver)
}

func TestConnectionUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn := &contracts.Connection{
		ConnectionID: "conn_1", StartupID: "acme", Provider: "gdrive", Mode: "byo_oauth",
		Status:   contracts.ConnectionAwaitingCredentials,
		Scopes:   []string{"drive.readonly"},
		Metadata: map[string]any{"redirect_uri": "https://example.com/cb"},
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, s.UpsertConnection(ctx, conn))

	conn.Status = contracts.ConnectionConnected
	conn.UpdatedAt = testNow.Add(time.Hour)
	require.NoError(t, s.UpsertConnection(ctx, conn))

	got, err := s.GetConnection(ctx, "conn_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConnectionConnected, got.Status)
	assert.Equal(t, []string{"drive.readonly"}, got.Scopes)

	list, err := s.ListConnections(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSyncRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &contracts.SyncRun{
		RunID: "run_1", ConnectionID: "conn_1", RunMode: "pull",
		WindowFrom: testNow.AddDate(0, 0, -7), WindowTo: testNow,
		Status: contracts.SyncRunRunning, StartedAt: testNow,
	}
	require.NoError(t, s.CreateSyncRun(ctx, run))

	require.NoError(t, s.AddIntegrationDocument(ctx, &contracts.IntegrationDocument{
		DocumentID: "doc_1", RunID: "run_1", ConnectionID: "conn_1",
		ExternalID: "gdoc-42", Title: "IR Deck", DocType: "ir_deck", CreatedAt: testNow,
	}))

	finished := testNow.Add(time.Minute)
	require.NoError(t, s.FinishSyncRun(ctx, "run_1", contracts.SyncRunCompleted,
		map[string]any{"documents": float64(1)}, "", finished))

	runs, err := s.ListSyncRuns(ctx, "conn_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.SyncRunCompleted, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)

	docs, err := s.ListIntegrationDocuments(ctx, "run_1")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestConfirmationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConfirmation(ctx, &contracts.UserConfirmation{
		ConfirmationID: "cfm_1", StartupID: "acme", CollectionID: "col_1",
		Subject: "Dispatch collection col_1", Status: contracts.ConfirmationPending, RequestedAt: testNow,
	}))

	ok, err := s.RespondConfirmation(ctx, "cfm_1", contracts.ConfirmationConfirmed, "founder@acme.io", "ok to send", testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	// Already responded: the conditional update matches nothing.
	ok, err = s.RespondConfirmation(ctx, "cfm_1", contracts.ConfirmationRejected, "other", "", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.LatestConfirmationForCollection(ctx, "col_1")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfirmationConfirmed, got.Status)
	assert.Equal(t, "founder@acme.io", got.Responder)
}

func TestGetMissingRowsReturnNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetCollection(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetApproval(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetConnection(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetConfirmation(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
