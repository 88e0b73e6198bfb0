package screening

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

func compiledResultSchema(t *testing.T) *jsonschema.Schema {
	t.Helper()
	compiler := jsonschema.NewCompiler()
	require.NoError(t, compiler.AddResource("result.json", strings.NewReader(ResultJSONSchema)))
	schema, err := compiler.Compile("result.json")
	require.NoError(t, err)
	return schema
}

func validateResult(t *testing.T, schema *jsonschema.Schema, r *match.Result) {
	t.Helper()
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var decoded any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, schema.Validate(decoded), "result: %s", raw)
}

func TestResultJSONContract(t *testing.T) {
	schema := compiledResultSchema(t)

	snap := watchlist.NewSnapshot([]watchlist.Entry{
		{
			Schema:     watchlist.SchemaPerson,
			Name:       "Vladimir Putin",
			NameNorm:   "vladimir putin",
			BirthNorm:  "1952-10-07",
			Dataset:    "uk_hmt_sanctions",
			ProgramIDs: "UK-RUS",
			SourceType: watchlist.SourceSanctions,
		},
		{
			Schema:     watchlist.SchemaPerson,
			Name:       "Abu Hamza",
			NameNorm:   "abu hamza",
			SourceType: watchlist.SourcePEPs,
		},
	})

	hit := match.Screen(snap, match.Query{Name: "Vladimir Putin"})
	validateResult(t, schema, &hit)

	pep := match.Screen(snap, match.Query{Name: "Abu Hamza"})
	validateResult(t, schema, &pep)

	cleared := match.Screen(watchlist.NewSnapshot(nil), match.Query{Name: "Nobody Special"})
	validateResult(t, schema, &cleared)

	override := hit
	override.Status = match.StatusClearedFalsePositive
	override.RiskLevel = match.RiskCleared
	override.Confidence = match.ConfidenceManualReview
	override.IsSanctioned = false
	override.ManualOverride = &match.ManualOverride{
		Actor:          "alice",
		Reason:         "homonym",
		PreviousStatus: "Fail Sanction",
		At:             "2026-08-24T10:00:00Z",
		UKHash:         "abc123",
	}
	validateResult(t, schema, &override)
}

func TestResultJSONContractHistoricalRiskLevels(t *testing.T) {
	schema := compiledResultSchema(t)

	// Rows written by earlier releases carry the short "Medium" label.
	raw := `{
		"status": "Fail PEP",
		"risk_level": "Medium",
		"confidence": "High",
		"score": 85,
		"is_sanctioned": false,
		"is_pep": true,
		"top_matches": [],
		"check_summary": {"status": "Fail PEP", "source": "Consolidated PEP list", "date": "2025-01-10"}
	}`
	var decoded any
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.NoError(t, schema.Validate(decoded))
}
