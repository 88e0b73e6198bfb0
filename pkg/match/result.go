package match

// Status is the screening verdict.
type Status string

const (
	StatusCleared              Status = "Cleared"
	StatusFailSanction         Status = "Fail Sanction"
	StatusFailPEP              Status = "Fail PEP"
	StatusFailSanctionAndPEP   Status = "Fail Sanction & PEP"
	StatusClearedFalsePositive Status = "Cleared - False Positive"
)

// IsFail reports whether a status represents a hit.
func (s Status) IsFail() bool {
	return s == StatusFailSanction || s == StatusFailPEP || s == StatusFailSanctionAndPEP
}

// RiskLevel bands the verdict for downstream triage.
type RiskLevel string

const (
	RiskCleared RiskLevel = "Cleared"
	RiskLow     RiskLevel = "Low"
	RiskMedium  RiskLevel = "Medium Risk"
	RiskHigh    RiskLevel = "High Risk"
)

// Confidence bands the winning score.
type Confidence string

const (
	ConfidenceVeryHigh     Confidence = "Very High"
	ConfidenceHigh         Confidence = "High"
	ConfidenceMedium       Confidence = "Medium"
	ConfidenceLow          Confidence = "Low"
	ConfidenceManualReview Confidence = "Manual Review"
)

// TopMatch is an advisory name-only suggestion. Suggestions never contribute
// to the verdict.
type TopMatch struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// CheckSummary is the compact block shown on certificates and search rows.
type CheckSummary struct {
	Status string `json:"status"`
	Source string `json:"source"`
	Date   string `json:"date"`
}

// ManualOverride is the audit block written when an operator clears a hit as
// a false positive.
type ManualOverride struct {
	Actor          string `json:"actor"`
	Reason         string `json:"reason,omitempty"`
	PreviousStatus string `json:"previous_status"`
	At             string `json:"at"`
	UKHash         string `json:"uk_hash,omitempty"`
}

// Result is the full screening verdict persisted as result_json on the cache
// row.
type Result struct {
	Status         Status          `json:"status"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	Confidence     Confidence      `json:"confidence"`
	Score          int             `json:"score"`
	IsSanctioned   bool            `json:"is_sanctioned"`
	IsPEP          bool            `json:"is_pep"`
	SanctionsName  string          `json:"sanctions_name,omitempty"`
	BirthDate      string          `json:"birth_date,omitempty"`
	Regime         string          `json:"regime,omitempty"`
	TopMatches     []TopMatch      `json:"top_matches"`
	CheckSummary   CheckSummary    `json:"check_summary"`
	ManualOverride *ManualOverride `json:"manual_override,omitempty"`
}
