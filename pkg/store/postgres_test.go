package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/contracts"
)

func TestPostgresStore_GetApproval(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"approval_id", "collection_id", "startup_id", "action_type", "payload", "status",
		"requested_at", "approved_at", "dispatched_at", "approver", "reject_reason",
		"expires_at", "risk_score", "risk_level", "risk_reasons",
	}).AddRow("apr_1", "col_1", "acme", "dispatch_email", `{"recipients":["ops@fund.example"]}`,
		"pending", "2026-02-10T09:00:00Z", nil, nil, "", "",
		"2026-02-12T09:00:00Z", 0.42, "medium", `["missing_core_docs:investment_decision"]`)

	mock.ExpectQuery("SELECT .+ FROM approvals WHERE approval_id = \\$1").
		WithArgs("apr_1").
		WillReturnRows(rows)

	a, err := s.GetApproval(ctx, "apr_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", a.StartupID)
	assert.Equal(t, contracts.ApprovalPending, a.Status)
	assert.Equal(t, 0.42, a.RiskScore)
	assert.Equal(t, []string{"missing_core_docs:investment_decision"}, a.RiskReasons)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionApproval(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET")).
		WithArgs("approved", "alice", "alice", "", "", sqlmock.AnyArg(), nil, "apr_1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	at := testNow
	ok, err := s.TransitionApproval(ctx, "apr_1", contracts.ApprovalPending, ApprovalUpdate{
		ToStatus: contracts.ApprovalApproved, Approver: "alice", ApprovedAt: &at,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionApprovalNoMatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TransitionApproval(context.Background(), "apr_1", contracts.ApprovalPending, ApprovalUpdate{
		ToStatus: contracts.ApprovalExpired,
	})
	require.NoError(t, err)
	assert.False(t, ok, "conditional update on a non-pending row matches nothing")
}

func TestPostgresStore_SaveCollectionRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO collections")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	col := sampleCollection("col_1")
	artifacts := []contracts.Artifact{{ArtifactID: "sha256:aa", CollectionID: "col_1", MTime: testNow}}
	err = s.SaveCollection(context.Background(), col, artifacts, nil, nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSignoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_signoffs")).
		WithArgs("apr_1", "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.AddSignoff(context.Background(), "apr_1", "alice", testNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}
