package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openclaw/core/pkg/approval"
	"github.com/openclaw/core/pkg/collector"
	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/oauth"
	"github.com/openclaw/core/pkg/registry"
	"github.com/openclaw/core/pkg/store"
)

// actionRequest is the uniform action envelope: a verb plus its payload.
type actionRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxActionBody))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}
	var req actionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "malformed JSON")
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, "action is required")
		return
	}

	result, err := s.dispatchAction(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeResult(w, result)
}

func (s *Server) dispatchAction(ctx context.Context, req actionRequest) (any, error) {
	switch req.Action {
	case "tenant_register":
		return s.actionTenantRegister(req.Payload)
	case "tenant_bind_folder":
		return s.actionTenantBindFolder(req.Payload)
	case "tenant_set_active":
		return s.actionTenantSetActive(req.Payload)
	case "tenant_list":
		return s.registry.List()
	case "scope_policy_get":
		return s.actionScopePolicyGet(req.Payload)
	case "scope_policy_set":
		return s.actionScopePolicySet(req.Payload)
	case "scope_audit":
		return s.actionScopeAudit(ctx, req.Payload)
	case "collect":
		return s.actionCollect(ctx, req.Payload)
	case "collection_status":
		return s.actionCollectionStatus(ctx, req.Payload)
	case "collection_list":
		return s.actionCollectionList(ctx, req.Payload)
	case "approval_pending":
		return s.actionApprovalPending(ctx, req.Payload)
	case "approval_approve":
		return s.actionApprove(ctx, req.Payload)
	case "approval_reject":
		return s.actionReject(ctx, req.Payload)
	case "approval_status":
		return s.actionApprovalStatus(ctx, req.Payload)
	case "dispatch_email":
		return s.actionDispatchEmail(ctx, req.Payload)
	case "oauth_connect":
		return s.actionOAuthConnect(ctx, req.Payload)
	case "oauth_exchange_code":
		return s.actionOAuthExchangeCode(ctx, req.Payload)
	case "oauth_refresh_token":
		return s.actionOAuthRefresh(ctx, req.Payload)
	case "oauth_status":
		return s.actionOAuthStatus(ctx, req.Payload)
	case "oauth_test":
		return s.actionOAuthTest(ctx, req.Payload)
	case "oauth_revoke":
		return s.actionOAuthRevoke(ctx, req.Payload)
	case "sync_begin":
		return s.actionSyncBegin(ctx, req.Payload)
	case "sync_complete":
		return s.actionSyncComplete(ctx, req.Payload)
	case "sync_history":
		return s.actionSyncHistory(ctx, req.Payload)
	case "user_confirm_request":
		return s.actionConfirmRequest(ctx, req.Payload)
	case "user_confirm_respond":
		return s.actionConfirmRespond(ctx, req.Payload)
	case "vault_sweep":
		return s.actionVaultSweep(ctx)
	case "key_rotate":
		return s.actionKeyRotate(req.Payload)
	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

func decode[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	return &v, nil
}

// -- tenants ----------------------------------------------------------------

func (s *Server) actionTenantRegister(payload json.RawMessage) (any, error) {
	p, err := decode[registry.Tenant](payload)
	if err != nil {
		return nil, err
	}
	return s.registry.Register(*p)
}

func (s *Server) actionTenantBindFolder(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID     string `json:"startup_id"`
		GatewayURL    string `json:"gateway_url"`
		FolderAlias   string `json:"folder_alias"`
		GatewaySecret string `json:"gateway_secret"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.registry.BindFolder(p.StartupID, p.GatewayURL, p.FolderAlias, p.GatewaySecret)
}

func (s *Server) actionTenantSetActive(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
		Active    bool   `json:"active"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.registry.SetActive(p.StartupID, p.Active)
}

// -- scope policy -----------------------------------------------------------

func (s *Server) actionScopePolicyGet(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	t, err := s.registry.Get(p.StartupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"startup_id":        t.StartupID,
		"scope":             t.Scope,
		"consent_reference": t.ConsentReference,
	}, nil
}

func (s *Server) actionScopePolicySet(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID        string   `json:"startup_id"`
		AllowPrefixes    []string `json:"allow_prefixes"`
		DenyPatterns     []string `json:"deny_patterns"`
		AllowedDocTypes  []string `json:"allowed_doc_types"`
		ConsentReference string   `json:"consent_reference"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.registry.SetScopePolicy(p.StartupID, registry.ScopePolicy{
		AllowPrefixes:   p.AllowPrefixes,
		DenyPatterns:    p.DenyPatterns,
		AllowedDocTypes: p.AllowedDocTypes,
	}, p.ConsentReference)
}

func (s *Server) actionScopeAudit(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
		Limit     int    `json:"limit"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	return s.store.ListScopeAudits(ctx, p.StartupID, p.Limit)
}

// -- collection -------------------------------------------------------------

func (s *Server) actionCollect(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID    string `json:"startup_id"`
		Period       string `json:"period"`
		WindowFrom   string `json:"window_from"`
		WindowTo     string `json:"window_to"`
		IncludeOCR   bool   `json:"include_ocr"`
		MaxArtifacts int    `json:"max_artifacts"`
		SkipVerify   bool   `json:"skip_verify"`
	}](payload)
	if err != nil {
		return nil, err
	}
	req := collector.CollectRequest{
		StartupID:    p.StartupID,
		Period:       p.Period,
		IncludeOCR:   p.IncludeOCR,
		MaxArtifacts: p.MaxArtifacts,
		SkipVerify:   p.SkipVerify,
	}
	if p.WindowFrom != "" && p.WindowTo != "" {
		from, err := time.Parse(time.RFC3339, p.WindowFrom)
		if err != nil {
			return nil, fmt.Errorf("malformed window_from: %w", err)
		}
		to, err := time.Parse(time.RFC3339, p.WindowTo)
		if err != nil {
			return nil, fmt.Errorf("malformed window_to: %w", err)
		}
		req.WindowFrom, req.WindowTo = from, to
	}
	return s.collector.Collect(ctx, req)
}

func (s *Server) actionCollectionStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		CollectionID string `json:"collection_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	col, err := s.store.GetCollection(ctx, p.CollectionID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, p.CollectionID)
	if err != nil {
		return nil, err
	}
	confirmation, err := s.approvals.ConfirmationFor(ctx, p.CollectionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return map[string]any{
		"collection":   col,
		"artifacts":    artifacts,
		"confirmation": confirmation,
	}, nil
}

func (s *Server) actionCollectionList(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
		Limit     int    `json:"limit"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	return s.store.ListCollections(ctx, p.StartupID, p.Limit)
}

// -- approvals --------------------------------------------------------------

func (s *Server) actionApprovalPending(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.approvals.ListPending(ctx, p.StartupID)
}

func (s *Server) actionApprove(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ApprovalID     string `json:"approval_id"`
		Approver       string `json:"approver"`
		AutoDispatch   *bool  `json:"auto_dispatch"`
		ForceHighRisk  bool   `json:"force_high_risk"`
		DryRunDispatch bool   `json:"dry_run_dispatch"`
	}](payload)
	if err != nil {
		return nil, err
	}
	// A token-authenticated identity overrides the payload's claim.
	if tokenApprover := ApproverFrom(ctx); tokenApprover != "" {
		p.Approver = tokenApprover
	}
	// auto_dispatch defaults to true when the field is omitted.
	autoDispatch := p.AutoDispatch == nil || *p.AutoDispatch
	return s.approvals.Approve(ctx, approval.ApproveRequest{
		ApprovalID:     p.ApprovalID,
		Approver:       p.Approver,
		AutoDispatch:   autoDispatch,
		ForceHighRisk:  p.ForceHighRisk,
		DryRunDispatch: p.DryRunDispatch,
	})
}

func (s *Server) actionReject(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ApprovalID string `json:"approval_id"`
		Approver   string `json:"approver"`
		Reason     string `json:"reason"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if tokenApprover := ApproverFrom(ctx); tokenApprover != "" {
		p.Approver = tokenApprover
	}
	return s.approvals.Reject(ctx, p.ApprovalID, p.Approver, p.Reason)
}

func (s *Server) actionApprovalStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ApprovalID string `json:"approval_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	a, err := s.approvals.Get(ctx, p.ApprovalID)
	if err != nil {
		return nil, err
	}
	signoffs, err := s.store.ListSignoffs(ctx, p.ApprovalID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"approval": a, "signoffs": signoffs}, nil
}

func (s *Server) actionDispatchEmail(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ApprovalID string `json:"approval_id"`
		DryRun     bool   `json:"dry_run"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, p.ApprovalID, p.DryRun)
}

// -- oauth ------------------------------------------------------------------

func (s *Server) actionOAuthConnect(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID    string   `json:"startup_id"`
		Provider     string   `json:"provider"`
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret"`
		RedirectURI  string   `json:"redirect_uri"`
		Scopes       []string `json:"scopes"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.Connect(ctx, oauth.ConnectRequest{
		StartupID:    p.StartupID,
		Provider:     p.Provider,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURI:  p.RedirectURI,
		Scopes:       p.Scopes,
	})
}

func (s *Server) actionOAuthExchangeCode(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConnectionID string `json:"connection_id"`
		Code         string `json:"code"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.ExchangeCode(ctx, p.ConnectionID, p.Code)
}

func (s *Server) actionOAuthRefresh(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConnectionID    string `json:"connection_id"`
		ForceRefresh    bool   `json:"force_refresh"`
		MinValidSeconds int    `json:"min_valid_seconds"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.RefreshToken(ctx, p.ConnectionID, p.ForceRefresh, p.MinValidSeconds)
}

func (s *Server) actionOAuthStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.Status(ctx, p.StartupID)
}

func (s *Server) actionOAuthTest(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConnectionID string `json:"connection_id"`
		Refresh      bool   `json:"refresh"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.Test(ctx, p.ConnectionID, p.Refresh)
}

func (s *Server) actionOAuthRevoke(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConnectionID string `json:"connection_id"`
		Reason       string `json:"reason"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.Revoke(ctx, p.ConnectionID, p.Reason)
}

// -- sync runs --------------------------------------------------------------

func (s *Server) actionSyncBegin(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConnectionID string    `json:"connection_id"`
		RunMode      string    `json:"run_mode"`
		WindowFrom   time.Time `json:"window_from"`
		WindowTo     time.Time `json:"window_to"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.oauth.BeginSync(ctx, p.ConnectionID, p.RunMode, p.WindowFrom, p.WindowTo)
}

func (s *Server) actionSyncComplete(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		RunID     string                          `json:"run_id"`
		Documents []contracts.IntegrationDocument `json:"documents"`
		Error     string                          `json:"error"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if err := s.oauth.CompleteSync(ctx, p.RunID, p.Documents, p.Error); err != nil {
		return nil, err
	}
	return map[string]any{"run_id": p.RunID, "document_count": len(p.Documents)}, nil
}

func (s *Server) actionSyncHistory(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConnectionID string `json:"connection_id"`
		Limit        int    `json:"limit"`
	}](payload)
	if err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	return s.oauth.SyncHistory(ctx, p.ConnectionID, p.Limit)
}

// -- confirmations ----------------------------------------------------------

func (s *Server) actionConfirmRequest(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID    string `json:"startup_id"`
		CollectionID string `json:"collection_id"`
		Subject      string `json:"subject"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.approvals.RequestConfirmation(ctx, p.StartupID, p.CollectionID, p.Subject)
}

func (s *Server) actionConfirmRespond(ctx context.Context, payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		ConfirmationID string `json:"confirmation_id"`
		Status         string `json:"status"`
		Responder      string `json:"responder"`
		Note           string `json:"note"`
	}](payload)
	if err != nil {
		return nil, err
	}
	return s.approvals.RespondConfirmation(ctx, p.ConfirmationID, p.Status, p.Responder, p.Note)
}

// -- maintenance ------------------------------------------------------------

func (s *Server) actionVaultSweep(ctx context.Context) (any, error) {
	removed, err := s.vault.Sweep(ctx, func(ctx context.Context, collectionID string) (bool, error) {
		_, err := s.store.GetCollection(ctx, collectionID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": removed, "removed_count": len(removed)}, nil
}

func (s *Server) actionKeyRotate(payload json.RawMessage) (any, error) {
	p, err := decode[struct {
		StartupID string `json:"startup_id"`
	}](payload)
	if err != nil {
		return nil, err
	}
	version, err := s.keys.RotateKey(p.StartupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"startup_id": p.StartupID, "key_version": version}, nil
}
