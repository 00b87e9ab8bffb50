// Package normalize extracts doc-type-specific fields from artifact payloads
// into versioned JSON records keyed by a deterministic hash.
package normalize

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openclaw/core/pkg/classify"
	"github.com/openclaw/core/pkg/contracts"
)

// SchemaVersion tags every normalized payload.
const SchemaVersion = "vc_evidence_v1"

var (
	registrationNumberRe = regexp.MustCompile(`\b\d{3}-\d{2}-\d{5}\b`)
	invoiceReferenceRe   = regexp.MustCompile(`(?i)(invoice|inv)[-_ ]?([a-z0-9]{3,})`)
	amountHintRe         = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+\b|\b\d+원\b|\b\d+\.\d{2}\b`)
)

// RecordID derives the deterministic record key for an artifact's normalized
// output. Identical inputs always produce the same id, making upserts
// idempotent.
func RecordID(collectionID, artifactID, docType string) string {
	sum := sha256.Sum256([]byte(collectionID + ":" + artifactID + ":" + docType))
	return hex.EncodeToString(sum[:])
}

// Record produces the normalized record for one artifact. The payload may be
// missing (empty content_b64 is treated as empty text); undecodable bytes are
// replaced rather than rejected.
func Record(collectionID, startupID string, artifact contracts.Artifact, contentB64 string, now time.Time) contracts.NormalizedRecord {
	text := decodeText(contentB64)
	fields := extractFields(artifact.DocType, text)

	payload := map[string]any{
		"schema_version": SchemaVersion,
		"schema_type":    artifact.DocType,
		"source": map[string]any{
			"rel_path":    artifact.RelPath,
			"artifact_id": artifact.ArtifactID,
			"sha256":      artifact.SHA256,
		},
		"fields": fields,
		"quality": map[string]any{
			"classifier_confidence": round4(artifact.Confidence),
			"text_length":           utf8.RuneCountInString(text),
			"field_count":           len(fields),
		},
		"normalized_at": now.Format(time.RFC3339),
	}

	return contracts.NormalizedRecord{
		RecordID:     RecordID(collectionID, artifact.ArtifactID, artifact.DocType),
		CollectionID: collectionID,
		ArtifactID:   artifact.ArtifactID,
		StartupID:    startupID,
		DocType:      artifact.DocType,
		Payload:      payload,
		CreatedAt:    now,
	}
}

func decodeText(contentB64 string) string {
	if contentB64 == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(contentB64)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(raw), "�")
}

func extractFields(docType, text string) map[string]any {
	fields := map[string]any{}
	lower := strings.ToLower(text)

	switch docType {
	case classify.DocBusinessRegistration:
		if m := registrationNumberRe.FindString(text); m != "" {
			fields["registration_number"] = m
		}
		if line := firstLine(text); line != "" && len(line) <= 120 {
			fields["entity_name"] = line
		}
	case classify.DocTaxInvoice:
		if m := invoiceReferenceRe.FindStringSubmatch(text); m != nil {
			fields["invoice_reference"] = strings.ToLower(m[1] + m[2])
		}
		if m := amountHintRe.FindString(text); m != "" {
			fields["amount_hint"] = m
		}
	case classify.DocSocialInsurance:
		status := "unknown"
		for _, kw := range []string{"납부", "완료", "confirmed", "paid"} {
			if strings.Contains(lower, kw) {
				status = "confirmed"
				break
			}
		}
		fields["status"] = status
	case classify.DocInvestmentDecision:
		decision := "unknown"
		switch {
		case containsAny(lower, []string{"approved", "승인", "가결"}):
			decision = "approved"
		case containsAny(lower, []string{"rejected", "부결", "반려"}):
			decision = "rejected"
		}
		fields["decision"] = decision
		if line := firstLine(text); line != "" {
			fields["meeting_note_title"] = line
		}
	case classify.DocIRDeck:
		if line := firstLine(text); line != "" {
			fields["deck_title"] = line
		}
		fields["has_roadmap_hint"] = containsAny(lower, []string{"roadmap", "로드맵", "milestone"})
	default:
		if line := firstLine(text); line != "" {
			fields["preview"] = line
		}
	}

	return fields
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
