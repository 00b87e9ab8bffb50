// Package risk scores a collection's data-quality and operational hazards.
// The score is deterministic over its inputs and drives the approval gate:
// high-risk approvals require two distinct sign-offs.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/openclaw/core/pkg/classify"
	"github.com/openclaw/core/pkg/contracts"
)

// Risk levels.
const (
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Assessment is the scored outcome: score in [0,1] at 4 decimals, a level,
// and the accumulated reasons.
type Assessment struct {
	Score   float64  `json:"score"`
	Level   string   `json:"level"`
	Reasons []string `json:"reasons"`
}

var coreDocTypes = []string{
	classify.DocBusinessRegistration,
	classify.DocTaxInvoice,
	classify.DocInvestmentDecision,
}

var freeMailDomains = map[string]bool{
	"gmail.com":   true,
	"naver.com":   true,
	"daum.net":    true,
	"outlook.com": true,
	"hotmail.com": true,
	"yahoo.com":   true,
}

// Assess computes the risk of a collection from its artifacts, the scope
// audit trail, and the dispatch recipients.
func Assess(artifacts []contracts.Artifact, audits []contracts.ScopeAudit, recipients []string) Assessment {
	score := 0.0
	var reasons []string
	add := func(delta float64, reason string) {
		score += delta
		reasons = append(reasons, reason)
	}

	n := len(artifacts)
	if n == 0 {
		add(0.55, "no_artifacts_collected")
	} else {
		unknown := 0
		confidenceSum := 0.0
		present := map[string]bool{}
		for _, a := range artifacts {
			if a.DocType == classify.DocUnknown {
				unknown++
			}
			confidenceSum += a.Confidence
			present[a.DocType] = true
		}

		if unknown > 0 {
			ratio := float64(unknown) / float64(n)
			add(math.Min(0.30, 0.10+0.40*ratio), fmt.Sprintf("unknown_doc_ratio:%.2f", ratio))
		}

		rejects := 0
		for _, audit := range audits {
			if audit.Decision == "reject" {
				rejects++
			}
		}
		if rejects > 0 {
			add(math.Min(0.20, 0.05*float64(rejects)), fmt.Sprintf("scope_rejections:%d", rejects))
		}

		if n > 200 {
			add(0.20, "large_collection_over_200")
		} else if n > 80 {
			add(0.10, "large_collection_over_80")
		}

		avg := confidenceSum / float64(n)
		if avg < 0.55 {
			add(0.12, fmt.Sprintf("low_classifier_confidence:%.2f", avg))
		}

		var missing []string
		for _, dt := range coreDocTypes {
			if !present[dt] {
				missing = append(missing, dt)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			add(0.10, "missing_core_docs:"+strings.Join(missing, ","))
		}
	}

	for _, rcpt := range recipients {
		at := strings.LastIndex(rcpt, "@")
		if at < 0 {
			continue
		}
		domain := strings.ToLower(rcpt[at+1:])
		if freeMailDomains[domain] {
			add(0.08, "free_mail_recipient:"+domain)
			break
		}
	}

	score = math.Min(1.0, math.Max(0.0, score))
	score = math.Round(score*10000) / 10000

	level := LevelLow
	switch {
	case score >= 0.70:
		level = LevelHigh
	case score >= 0.35:
		level = LevelMedium
	}

	return Assessment{Score: score, Level: level, Reasons: reasons}
}
