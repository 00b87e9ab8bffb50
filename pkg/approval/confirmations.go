package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/contracts"
)

// ErrAlreadyResponded indicates the confirmation left the pending state.
var ErrAlreadyResponded = errors.New("approval: confirmation already responded")

// RequestConfirmation opens a user-consent gate for a collection ahead of
// external dispatch.
func (s *Service) RequestConfirmation(ctx context.Context, startupID, collectionID, subject string) (*contracts.UserConfirmation, error) {
	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	c := &contracts.UserConfirmation{
		ConfirmationID: uuid.New().String(),
		StartupID:      startupID,
		CollectionID:   collectionID,
		Subject:        subject,
		Status:         contracts.ConfirmationPending,
		RequestedAt:    s.clock(),
	}
	if err := s.store.CreateConfirmation(ctx, c); err != nil {
		return nil, err
	}
	_ = s.audit.Record(startupID, "system", audit.EventApproval, "confirmation_requested",
		"confirmation/"+c.ConfirmationID, map[string]any{"collection_id": collectionID})
	return c, nil
}

// RespondConfirmation records the user's answer. Only a pending confirmation
// accepts a response; a second response is rejected.
func (s *Service) RespondConfirmation(ctx context.Context, confirmationID, status, responder, note string) (*contracts.UserConfirmation, error) {
	if status != contracts.ConfirmationConfirmed && status != contracts.ConfirmationRejected {
		return nil, fmt.Errorf("approval: invalid confirmation status %q", status)
	}
	changed, err := s.store.RespondConfirmation(ctx, confirmationID, status, responder, note, s.clock())
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResponded, confirmationID)
	}
	c, err := s.store.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	_ = s.audit.Record(c.StartupID, responder, audit.EventApproval, "confirmation_"+status,
		"confirmation/"+confirmationID, map[string]any{"collection_id": c.CollectionID})
	return c, nil
}

// ConfirmationFor returns the latest confirmation for a collection, if any.
func (s *Service) ConfirmationFor(ctx context.Context, collectionID string) (*contracts.UserConfirmation, error) {
	return s.store.LatestConfirmationForCollection(ctx, collectionID)
}
