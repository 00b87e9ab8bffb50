// Package classify maps artifact filenames (and optionally a short text
// preview) to evidence doc types with a confidence score.
package classify

import (
	"path"
	"strings"
)

// Doc types recognized by the platform.
const (
	DocBusinessRegistration = "business_registration"
	DocIRDeck               = "ir_deck"
	DocTaxInvoice           = "tax_invoice"
	DocSocialInsurance      = "social_insurance"
	DocInvestmentDecision   = "investment_decision"
	DocUnknown              = "unknown"
)

// DocTypes lists every known label, unknown last.
var DocTypes = []string{
	DocBusinessRegistration,
	DocIRDeck,
	DocTaxInvoice,
	DocSocialInsurance,
	DocInvestmentDecision,
	DocUnknown,
}

// IsKnown reports whether label is a recognized doc type.
func IsKnown(label string) bool {
	for _, dt := range DocTypes {
		if dt == label {
			return true
		}
	}
	return false
}

type rule struct {
	docType    string
	keywords   []string
	confidence float64
}

// Filename rules, checked in order. First match wins; earlier rules carry
// the more specific keywords.
var filenameRules = []rule{
	{DocBusinessRegistration, []string{"business_registration", "biz_reg", "사업자등록", "등기부"}, 0.95},
	{DocTaxInvoice, []string{"tax_invoice", "세금계산서"}, 0.95},
	{DocSocialInsurance, []string{"social_insurance", "4대보험", "사회보험"}, 0.95},
	{DocInvestmentDecision, []string{"investment_decision", "투자심사", "투자결정", "ic_memo"}, 0.95},
	{DocIRDeck, []string{"ir_deck", "pitch_deck"}, 0.95},
	{DocTaxInvoice, []string{"invoice", "인보이스"}, 0.8},
	{DocBusinessRegistration, []string{"registration", "incorporation"}, 0.75},
	{DocIRDeck, []string{"_ir_", "deck", "pitch"}, 0.7},
	{DocInvestmentDecision, []string{"decision", "심사"}, 0.65},
	{DocSocialInsurance, []string{"insurance", "보험"}, 0.6},
}

// Preview keywords that reinforce a filename guess or rescue an unknown.
var previewRules = []rule{
	{DocBusinessRegistration, []string{"사업자등록번호", "registration number", "법인등기"}, 0.7},
	{DocTaxInvoice, []string{"세금계산서", "tax invoice", "공급가액"}, 0.7},
	{DocSocialInsurance, []string{"납부확인", "social insurance", "보험료"}, 0.65},
	{DocInvestmentDecision, []string{"투자심사", "investment committee", "의결"}, 0.65},
	{DocIRDeck, []string{"roadmap", "traction", "시장규모"}, 0.55},
}

// Classify returns the doc type and confidence for an artifact. The preview
// is optional; when the filename already matches a specific rule the preview
// can only raise confidence, never change the label.
func Classify(filename string, preview []byte) (string, float64) {
	name := strings.ToLower(path.Base(filename))

	docType := DocUnknown
	confidence := 0.2
	for _, r := range filenameRules {
		if containsAny(name, r.keywords) {
			docType, confidence = r.docType, r.confidence
			break
		}
	}

	if len(preview) == 0 {
		return docType, confidence
	}

	text := strings.ToLower(string(preview))
	for _, r := range previewRules {
		if !containsAny(text, r.keywords) {
			continue
		}
		if docType == DocUnknown {
			docType, confidence = r.docType, r.confidence
		} else if docType == r.docType && confidence < 0.99 {
			confidence = min(confidence+0.04, 0.99)
		}
		break
	}

	return docType, confidence
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
