// Package screening implements the coordination engine: the result cache and
// durable job queue over Postgres, the load-adaptive dispatcher, the worker
// pool and the watchlist refresh sweep.
package screening

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
)

// JobStatus is the queue lifecycle state. Rows only move forward:
// pending -> running -> {completed, failed}.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobReason distinguishes operator-driven jobs from refresh sweep jobs.
type JobReason string

const (
	ReasonManual          JobReason = "manual"
	ReasonUKDeltaRescreen JobReason = "uk_delta_rescreen"
)

// Transition labels how a job's outcome relates to the previous cached
// verdict. Dashboard metadata only; it never affects the verdict payload.
type Transition string

const (
	TransitionUnchanged     Transition = "unchanged"
	TransitionNewResult     Transition = "new_result"
	TransitionChanged       Transition = "changed"
	TransitionClearedToFail Transition = "cleared_to_fail"
	TransitionFailToCleared Transition = "fail_to_cleared"
)

// DeriveTransition compares the cached status before the job ran against the
// status it produced. Any status beginning with "Cleared" counts as clear,
// which folds the false-positive override status into the cleared side.
func DeriveTransition(previousStatus, resultStatus string) Transition {
	if previousStatus == "" {
		return TransitionNewResult
	}
	if previousStatus == resultStatus {
		return TransitionUnchanged
	}
	prevClear := strings.HasPrefix(strings.ToLower(previousStatus), "cleared")
	newClear := strings.HasPrefix(strings.ToLower(resultStatus), "cleared")
	switch {
	case prevClear && !newClear:
		return TransitionClearedToFail
	case !prevClear && newClear:
		return TransitionFailToCleared
	default:
		return TransitionChanged
	}
}

// Request is a validated screening request. DOB is the raw caller input; the
// dispatcher canonicalizes it before keying.
type Request struct {
	Name              string `json:"name"`
	DOB               string `json:"dob,omitempty"`
	EntityType        string `json:"entity_type,omitempty"`
	Requestor         string `json:"requestor"`
	BusinessReference string `json:"business_reference,omitempty"`
	ReasonForCheck    string `json:"reason_for_check,omitempty"`
}

// Job is one claimed queue row, carrying everything the worker needs.
type Job struct {
	ID                uuid.UUID
	EntityKey         string
	Name              string
	DateOfBirth       string
	EntityType        string
	Requestor         string
	BusinessReference string
	ReasonForCheck    string
	Reason            JobReason
	RefreshRunID      *uuid.UUID
	ForceRescreen     bool
	Status            JobStatus
	CreatedAt         time.Time
	StartedAt         time.Time
}

// JobView is the polling shape for GetJob: queue state plus the cached result
// once the job completed.
type JobView struct {
	ID             uuid.UUID     `json:"job_id"`
	EntityKey      string        `json:"entity_key"`
	Status         JobStatus     `json:"status"`
	PreviousStatus string        `json:"previous_status,omitempty"`
	ResultStatus   string        `json:"result_status,omitempty"`
	Transition     Transition    `json:"transition,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Result         *match.Result `json:"result,omitempty"`
}

// ScreenedRow is one cache row as returned by search.
type ScreenedRow struct {
	EntityKey           string    `json:"entity_key"`
	DisplayName         string    `json:"display_name"`
	DateOfBirth         string    `json:"date_of_birth,omitempty"`
	EntityType          string    `json:"entity_type"`
	Status              string    `json:"status"`
	RiskLevel           string    `json:"risk_level"`
	Confidence          string    `json:"confidence"`
	Score               float64   `json:"score"`
	UKSanctionsFlag     bool      `json:"uk_sanctions_flag"`
	PEPFlag             bool      `json:"pep_flag"`
	LastScreenedAt      time.Time `json:"last_screened_at"`
	ScreeningValidUntil time.Time `json:"screening_valid_until"`
	LastRequestor       string    `json:"last_requestor,omitempty"`
	BusinessReference   string    `json:"business_reference,omitempty"`
	ReasonForCheck      string    `json:"reason_for_check,omitempty"`
	ManualOverrideStale bool      `json:"manual_override_stale"`
}

// RefreshRun is the metadata row for one watchlist refresh.
type RefreshRun struct {
	ID            uuid.UUID
	RanAt         time.Time
	IncludePEPs   bool
	SanctionsRows int
	PEPsRows      int
	UKRowCount    int
	UKHash        string
	PrevUKHash    string
	UKChanged     bool
	DeltaAdded    int
	DeltaRemoved  int
	DeltaChanged  int
	Sweep         SweepCounters
}

// SweepCounters summarize one delta re-screen sweep.
type SweepCounters struct {
	Candidates     int `json:"candidates"`
	Queued         int `json:"queued"`
	AlreadyPending int `json:"already_pending"`
	Reused         int `json:"reused"`
	Failed         int `json:"failed"`
}

// ValidReasonsForCheck is the closed vocabulary accepted at the boundary.
var ValidReasonsForCheck = []string{
	"Client Onboarding",
	"Claim Payment",
	"Business Partner Payment",
	"Business Partner Due Diligence",
	"Periodic Re-Screen",
	"Ad-Hoc Compliance Review",
}

// IsValidReasonForCheck accepts the empty string; the vocabulary is enforced
// only when a reason is supplied.
func IsValidReasonForCheck(reason string) bool {
	if reason == "" {
		return true
	}
	for _, r := range ValidReasonsForCheck {
		if r == reason {
			return true
		}
	}
	return false
}
