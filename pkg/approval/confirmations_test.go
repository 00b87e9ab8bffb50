package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/store"
)

func TestConfirmationLifecycle(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	seed(t, st, "apr_1", "low", 0.1, testNow.Add(-time.Hour))

	c, err := svc.RequestConfirmation(ctx, "acme", "col_apr_1", "Dispatch evidence to partners?")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfirmationPending, c.Status)

	got, err := svc.ConfirmationFor(ctx, "col_apr_1")
	require.NoError(t, err)
	assert.Equal(t, c.ConfirmationID, got.ConfirmationID)

	responded, err := svc.RespondConfirmation(ctx, c.ConfirmationID, contracts.ConfirmationConfirmed, "founder@acme.example", "ok to send")
	require.NoError(t, err)
	assert.Equal(t, contracts.ConfirmationConfirmed, responded.Status)
	assert.Equal(t, "founder@acme.example", responded.Responder)
	require.NotNil(t, responded.RespondedAt)

	// A second answer does not overwrite the first.
	_, err = svc.RespondConfirmation(ctx, c.ConfirmationID, contracts.ConfirmationRejected, "other", "")
	assert.ErrorIs(t, err, ErrAlreadyResponded)
}

func TestRespondConfirmationRejectsBadStatus(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.RespondConfirmation(context.Background(), "cfm_x", "maybe", "someone", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid confirmation status")
}

func TestRequestConfirmationUnknownCollection(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.RequestConfirmation(context.Background(), "acme", "col_missing", "subject")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
