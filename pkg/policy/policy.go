// Package policy evaluates tenant consent-scope rules against artifact
// manifest entries: allow prefixes, deny patterns, and allowed doc types.
package policy

import (
	"path"
	"strings"
	"time"

	"github.com/openclaw/core/pkg/contracts"
	"github.com/openclaw/core/pkg/registry"
)

// Decision values recorded in scope audits.
const (
	DecisionAllow  = "allow"
	DecisionReject = "reject"
)

// Reasons attached to decisions.
const (
	ReasonInScope       = "in_scope"
	ReasonEmptyRelPath  = "empty_rel_path"
	ReasonOutsideScope  = "outside_allowed_scope"
	ReasonDocType       = "doc_type_not_allowed"
	denyPatternReason   = "deny_pattern:"
)

// Evaluate applies a tenant scope policy to one artifact. It returns whether
// the artifact is allowed and a stable reason string.
func Evaluate(p registry.ScopePolicy, alias, relPath, docType string) (bool, string) {
	if relPath == "" {
		return false, ReasonEmptyRelPath
	}

	lower := strings.ToLower(relPath)

	prefixes := p.AllowPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{alias + "/"}
	}
	matched := false
	for _, prefix := range prefixes {
		if strings.HasPrefix(relPath, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return false, ReasonOutsideScope
	}

	for _, pattern := range p.DenyPatterns {
		lp := strings.ToLower(pattern)
		if ok, _ := path.Match(lp, lower); ok {
			return false, denyPatternReason + pattern
		}
		if ok, _ := path.Match(lp, path.Base(lower)); ok {
			return false, denyPatternReason + pattern
		}
		if strings.Contains(lower, lp) {
			return false, denyPatternReason + pattern
		}
	}

	if len(p.AllowedDocTypes) > 0 {
		allowed := false
		for _, dt := range p.AllowedDocTypes {
			if dt == docType {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, ReasonDocType
		}
	}

	return true, ReasonInScope
}

// FilterResult is the outcome of filtering a manifest through policy.
type FilterResult struct {
	Accepted []contracts.ManifestEntry
	Payloads map[string][]byte
	Audits   []contracts.ScopeAudit
	Summary  FilterSummary
}

// FilterSummary counts decisions and echoes the applied policy.
type FilterSummary struct {
	AllowCount  int                  `json:"allow_count"`
	RejectCount int                  `json:"reject_count"`
	Policy      registry.ScopePolicy `json:"policy"`
}

// FilterArtifacts applies the policy to each manifest entry, keeping accepted
// entries (and their payloads, keyed by rel_path) and recording one audit row
// per decision. Rejected payloads are dropped before any encryption.
func FilterArtifacts(t *registry.Tenant, collectionID string, entries []contracts.ManifestEntry, payloads map[string][]byte, now time.Time) FilterResult {
	res := FilterResult{
		Payloads: make(map[string][]byte),
		Summary:  FilterSummary{Policy: t.Scope},
	}
	for _, entry := range entries {
		allowed, reason := Evaluate(t.Scope, t.FolderAlias, entry.RelPath, entry.DocType)
		decision := DecisionReject
		if allowed {
			decision = DecisionAllow
			res.Accepted = append(res.Accepted, entry)
			if payload, ok := payloads[entry.RelPath]; ok {
				res.Payloads[entry.RelPath] = payload
			}
			res.Summary.AllowCount++
		} else {
			res.Summary.RejectCount++
		}
		res.Audits = append(res.Audits, contracts.ScopeAudit{
			CollectionID: collectionID,
			StartupID:    t.StartupID,
			RelPath:      entry.RelPath,
			DocType:      entry.DocType,
			Decision:     decision,
			Reason:       reason,
			CreatedAt:    now,
		})
	}
	return res
}
