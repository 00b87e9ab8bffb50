// Package approval implements the human gate between collection and dispatch:
// pending approvals with a 48 hour TTL, lazy expiry, single-approver sign-off
// for low and medium risk, and two-person sign-off for high risk.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openclaw/core/pkg/audit"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/dispatch"
	"github.com/openclaw/core/pkg/risk"
	"github.com/openclaw/core/pkg/store"
)

// Errors surfaced to callers.
var (
	ErrExpired       = errors.New("approval: expired")
	ErrNotPending    = errors.New("approval: not pending")
	ErrHighRiskForce = errors.New("approval: high risk requires force_high_risk")
)

// requiredSignoffs for a high-risk approval.
const requiredSignoffs = 2

// Dispatcher sends an approved collection. Satisfied by *dispatch.Service.
type Dispatcher interface {
	Dispatch(ctx context.Context, approvalID string, dryRun bool) (*dispatch.Result, error)
	// Configured reports whether a live send is possible. When it is not,
	// auto-dispatch degrades to a dry-run render and the approval stays
	// approved.
	Configured() bool
}

// Service drives approval state transitions.
type Service struct {
	store      store.Store
	dispatcher Dispatcher
	audit      audit.Logger
	logger     *slog.Logger
	clock      func() time.Time
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

// WithDispatcher wires the outbound dispatcher used by auto-dispatch.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// New creates an approval service.
func New(st store.Store, auditLog audit.Logger, opts ...Option) *Service {
	s := &Service{
		store:  st,
		audit:  auditLog,
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PendingItem is one actionable approval with its sign-off progress.
type PendingItem struct {
	Approval     contracts.Approval `json:"approval"`
	SignoffCount int                `json:"signoff_count"`
}

// PendingList is the pending queue plus a risk-level breakdown.
type PendingList struct {
	Items     []PendingItem  `json:"items"`
	ByRisk    map[string]int `json:"by_risk_level"`
	ExpiredN  int            `json:"expired_count"`
	Generated time.Time      `json:"generated_at"`
}

// ListPending returns actionable approvals ordered by risk score descending,
// then request time ascending. Approvals past their TTL are transitioned to
// expired on the way out rather than shown.
func (s *Service) ListPending(ctx context.Context, startupID string) (*PendingList, error) {
	now := s.clock()
	rows, err := s.store.ListApprovalsByStatus(ctx, contracts.ApprovalPending, startupID)
	if err != nil {
		return nil, err
	}

	out := &PendingList{ByRisk: map[string]int{}, Generated: now}
	for _, a := range rows {
		if a.Expired(now) {
			if _, err := s.expire(ctx, a.ApprovalID); err != nil {
				return nil, err
			}
			out.ExpiredN++
			continue
		}
		signoffs, err := s.store.ListSignoffs(ctx, a.ApprovalID)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, PendingItem{Approval: a, SignoffCount: len(signoffs)})
		out.ByRisk[a.RiskLevel]++
	}
	return out, nil
}

// ApproveRequest parametrizes one approve call.
type ApproveRequest struct {
	ApprovalID     string
	Approver       string
	AutoDispatch   bool
	ForceHighRisk  bool
	DryRunDispatch bool
}

// ApproveResult reports the outcome of an approve call.
type ApproveResult struct {
	ApprovalID              string           `json:"approval_id"`
	Status                  string           `json:"status"`
	Approver                string           `json:"approver"`
	RequiresSecondApproval  bool             `json:"requires_second_approval,omitempty"`
	Dispatch                *dispatch.Result `json:"dispatch,omitempty"`
}

// Approve records an approver's sign-off. Low and medium risk approvals are
// approved immediately. High risk requires ForceHighRisk and two distinct
// sign-offs: the first returns RequiresSecondApproval with the approval still
// pending. An approval past its TTL is expired instead, and that is an error.
func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*ApproveResult, error) {
	if req.Approver == "" {
		return nil, fmt.Errorf("approval: approver is required")
	}
	now := s.clock()

	a, err := s.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if a.Status == contracts.ApprovalPending && a.Expired(now) {
		if _, err := s.expire(ctx, req.ApprovalID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s lapsed at %s", ErrExpired, req.ApprovalID, a.ExpiresAt.Format(time.RFC3339))
	}
	if a.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, req.ApprovalID, a.Status)
	}

	if a.RiskLevel == risk.LevelHigh {
		return s.approveHighRisk(ctx, a, req, now)
	}

	changed, err := s.store.TransitionApproval(ctx, req.ApprovalID, contracts.ApprovalPending, store.ApprovalUpdate{
		ToStatus:   contracts.ApprovalApproved,
		Approver:   req.Approver,
		ApprovedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s changed state concurrently", ErrNotPending, req.ApprovalID)
	}
	return s.finish(ctx, a, req, req.Approver)
}

// approveHighRisk enforces the two-person rule. Sign-offs are idempotent per
// approver; the approval only promotes once two distinct approvers have
// signed.
func (s *Service) approveHighRisk(ctx context.Context, a *contracts.Approval, req ApproveRequest, now time.Time) (*ApproveResult, error) {
	if !req.ForceHighRisk {
		return nil, fmt.Errorf("%w: %s scored %.4f", ErrHighRiskForce, a.ApprovalID, a.RiskScore)
	}

	if err := s.store.AddSignoff(ctx, a.ApprovalID, req.Approver, now); err != nil {
		return nil, err
	}
	signoffs, err := s.store.ListSignoffs(ctx, a.ApprovalID)
	if err != nil {
		return nil, err
	}

	approvers := make([]string, 0, len(signoffs))
	for _, so := range signoffs {
		approvers = append(approvers, so.Approver)
	}
	joined := strings.Join(approvers, ",")

	if len(signoffs) < requiredSignoffs {
		if err := s.store.SetApprovalApprover(ctx, a.ApprovalID, joined); err != nil {
			return nil, err
		}
		_ = s.audit.Record(a.StartupID, req.Approver, audit.EventApproval, "signoff",
			"approval/"+a.ApprovalID, map[string]any{"signoffs": len(signoffs)})
		return &ApproveResult{
			ApprovalID:             a.ApprovalID,
			Status:                 contracts.ApprovalPending,
			Approver:               joined,
			RequiresSecondApproval: true,
		}, nil
	}

	changed, err := s.store.TransitionApproval(ctx, a.ApprovalID, contracts.ApprovalPending, store.ApprovalUpdate{
		ToStatus:   contracts.ApprovalApproved,
		Approver:   joined,
		ApprovedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s changed state concurrently", ErrNotPending, a.ApprovalID)
	}
	return s.finish(ctx, a, req, joined)
}

// finish records the audit event and, when requested, hands off to the
// dispatcher.
func (s *Service) finish(ctx context.Context, a *contracts.Approval, req ApproveRequest, approver string) (*ApproveResult, error) {
	_ = s.audit.Record(a.StartupID, approver, audit.EventApproval, "approved",
		"approval/"+a.ApprovalID, map[string]any{
			"collection_id": a.CollectionID,
			"risk_level":    a.RiskLevel,
		})
	s.logger.Info("approval granted",
		"approval_id", a.ApprovalID,
		"startup_id", a.StartupID,
		"approver", approver,
		"risk_level", a.RiskLevel)

	result := &ApproveResult{
		ApprovalID: a.ApprovalID,
		Status:     contracts.ApprovalApproved,
		Approver:   approver,
	}
	if req.AutoDispatch && s.dispatcher != nil {
		dryRun := req.DryRunDispatch
		if !s.dispatcher.Configured() {
			dryRun = true
		}
		dres, err := s.dispatcher.Dispatch(ctx, a.ApprovalID, dryRun)
		if err != nil {
			return result, fmt.Errorf("approval: approved but dispatch failed: %w", err)
		}
		result.Dispatch = dres
		if !dryRun {
			result.Status = contracts.ApprovalDispatched
		}
	}
	return result, nil
}

// Reject moves a pending approval to rejected with an operator-supplied
// reason. Expired approvals cannot be rejected.
func (s *Service) Reject(ctx context.Context, approvalID, approver, reason string) (*contracts.Approval, error) {
	now := s.clock()
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status == contracts.ApprovalPending && a.Expired(now) {
		if _, err := s.expire(ctx, approvalID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrExpired, approvalID)
	}
	if a.Status != contracts.ApprovalPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, approvalID, a.Status)
	}

	changed, err := s.store.TransitionApproval(ctx, approvalID, contracts.ApprovalPending, store.ApprovalUpdate{
		ToStatus:     contracts.ApprovalRejected,
		Approver:     approver,
		RejectReason: reason,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("%w: %s changed state concurrently", ErrNotPending, approvalID)
	}

	_ = s.audit.Record(a.StartupID, approver, audit.EventApproval, "rejected",
		"approval/"+approvalID, map[string]any{"reason": reason})
	return s.store.GetApproval(ctx, approvalID)
}

// ExpireDue sweeps pending approvals whose TTL has lapsed. It returns how
// many were transitioned; intended for a periodic background ticker.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock()
	rows, err := s.store.ListApprovalsByStatus(ctx, contracts.ApprovalPending, "")
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range rows {
		if !a.Expired(now) {
			continue
		}
		changed, err := s.expire(ctx, a.ApprovalID)
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("expired stale approvals", "count", expired)
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, approvalID string) (bool, error) {
	return s.store.TransitionApproval(ctx, approvalID, contracts.ApprovalPending, store.ApprovalUpdate{
		ToStatus: contracts.ApprovalExpired,
	})
}

// Get returns an approval, expiring it first when its TTL has lapsed so the
// caller always sees the effective state.
func (s *Service) Get(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status == contracts.ApprovalPending && a.Expired(s.clock()) {
		if _, err := s.expire(ctx, approvalID); err != nil {
			return nil, err
		}
		return s.store.GetApproval(ctx, approvalID)
	}
	return a, nil
}
