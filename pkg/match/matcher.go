package match

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/normalize"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

const (
	// verdictThreshold is the minimum score for an authoritative match.
	verdictThreshold = 80
	// suggestionThreshold is the minimum score for an advisory suggestion.
	suggestionThreshold = 60
	// maxTopMatches caps the suggestion list.
	maxTopMatches = 5

	pepSourceLabel     = "Consolidated PEP list"
	genericSourceLabel = "Consolidated watchlist"
)

// Query is a normalized screening request. DOB is an ISO date or empty.
type Query struct {
	Name       string
	DOB        string
	EntityType string
}

var aliasSplitter = regexp.MustCompile(`[|;,]`)

// candidate is one snapshot entry that survived scoring.
type candidate struct {
	entry *watchlist.Entry
	score int
}

// Screen scores a query against the snapshot and assembles the verdict.
// It never fails: defective data scores low and an empty snapshot clears.
func Screen(snap *watchlist.Snapshot, q Query) Result {
	today := time.Now().UTC().Format("2006-01-02")

	if snap.Empty() {
		return clearedResult(genericSourceLabel, today, nil)
	}

	queryJoined, queryTokens := normalize.MatchTokens(q.Name)
	if queryJoined == "" {
		return clearedResult(genericSourceLabel, today, nil)
	}
	querySet := tokenSet(queryTokens)

	entityType := "person"
	if strings.EqualFold(strings.TrimSpace(q.EntityType), "organization") {
		entityType = "organization"
	}
	sanctionsIdx, pepsIdx := snap.Pools(entityType)

	sanctionsCands := scorePool(snap, sanctionsIdx, queryJoined, queryTokens, querySet)
	pepsCands := scorePool(snap, pepsIdx, queryJoined, queryTokens, querySet)

	// Suggestions are name-only: drawn from both pools before DOB gating.
	suggestions := collectSuggestions(snap, sanctionsIdx, pepsIdx, queryJoined)

	if q.DOB != "" {
		sanctionsCands = gateByDOB(sanctionsCands, q.DOB)
		pepsCands = gateByDOB(pepsCands, q.DOB)
	}

	bestSanction := best(sanctionsCands)
	bestPEP := best(pepsCands)

	if bestSanction == nil && bestPEP == nil {
		return clearedResult(genericSourceLabel, today, suggestions)
	}

	var r Result
	var winner *candidate
	switch {
	case bestSanction != nil:
		winner = bestSanction
		r.Status = StatusFailSanction
		r.IsSanctioned = true
		r.RiskLevel = RiskHigh
		r.CheckSummary.Source = sanctionsSourceLabel(bestSanction.entry)
		if bestPEP != nil {
			r.Status = StatusFailSanctionAndPEP
			r.IsPEP = true
			r.CheckSummary.Source += "; " + pepSourceLabel
		}
	default:
		winner = bestPEP
		r.Status = StatusFailPEP
		r.IsPEP = true
		r.RiskLevel = RiskMedium
		r.CheckSummary.Source = pepSourceLabel
	}

	r.Score = winner.score
	r.SanctionsName = winner.entry.Name
	r.BirthDate = matchedBirthDate(winner.entry)
	r.Regime = watchlist.DeriveRegime(*winner.entry)
	r.Confidence = confidenceFor(winner.score)
	r.TopMatches = excludeName(suggestions, winner.entry.Name)
	r.CheckSummary.Status = string(r.Status)
	r.CheckSummary.Date = today
	return r
}

func clearedResult(source, date string, suggestions []TopMatch) Result {
	confidence := ConfidenceVeryHigh
	if len(suggestions) > 0 {
		confidence = ConfidenceLow
	}
	if suggestions == nil {
		suggestions = []TopMatch{}
	}
	return Result{
		Status:     StatusCleared,
		RiskLevel:  RiskCleared,
		Confidence: confidence,
		Score:      0,
		TopMatches: suggestions,
		CheckSummary: CheckSummary{
			Status: string(StatusCleared),
			Source: source,
			Date:   date,
		},
	}
}

// scorePool scores every entry in one pool against the query and keeps those
// clearing the verdict threshold after the short-match heuristics.
func scorePool(snap *watchlist.Snapshot, idx []int, queryJoined string, queryTokens []string, querySet map[string]struct{}) []candidate {
	var out []candidate
	for _, i := range idx {
		entry := &snap.Entries[i]
		if score, ok := scoreEntry(entry, queryJoined, queryTokens, querySet); ok {
			out = append(out, candidate{entry: entry, score: score})
		}
	}
	return out
}

// scoreEntry returns the best surviving score over the entry's primary name
// and aliases. ok is false when every variant is rejected.
func scoreEntry(entry *watchlist.Entry, queryJoined string, queryTokens []string, querySet map[string]struct{}) (int, bool) {
	bestScore, found := 0, false
	for _, variant := range nameVariants(entry) {
		candJoined, candTokens := normalize.MatchTokens(variant)
		if candJoined == "" {
			continue
		}
		score, ok := scoreVariant(queryJoined, queryTokens, querySet, candJoined, candTokens)
		if ok && score > bestScore {
			bestScore, found = score, true
		}
	}
	return bestScore, found
}

func scoreVariant(queryJoined string, queryTokens []string, querySet map[string]struct{}, candJoined string, candTokens []string) (int, bool) {
	// An exact normalized match on a short name bypasses the overlap
	// heuristics, which would otherwise reject single-token names.
	if candJoined == queryJoined && len(queryTokens) <= 2 {
		return 100, true
	}

	score := TokenSetRatio(queryJoined, candJoined)

	candSet := tokenSet(candTokens)
	overlap := 0
	for t := range candSet {
		if _, ok := querySet[t]; ok {
			overlap++
		}
	}
	union := len(querySet) + len(candSet) - overlap
	if overlap < 2 || union == 0 || float64(overlap)/float64(union) < 0.4 {
		return 0, false
	}

	if diff := len(queryTokens) - len(candTokens); diff > 2 || diff < -2 {
		score -= 15
	}
	if len(candTokens) <= 2 && len(queryTokens) > 3 {
		score -= 20
	}
	if score < verdictThreshold {
		return 0, false
	}
	return score, true
}

func nameVariants(entry *watchlist.Entry) []string {
	variants := []string{entry.NameNorm}
	if entry.Aliases != "" {
		for _, a := range aliasSplitter.Split(entry.Aliases, -1) {
			if a = strings.TrimSpace(a); a != "" {
				variants = append(variants, a)
			}
		}
	}
	return variants
}

func gateByDOB(cands []candidate, dobISO string) []candidate {
	out := cands[:0]
	for _, c := range cands {
		if c.entry.BirthNorm != "" && c.entry.BirthNorm == dobISO {
			out = append(out, c)
		}
	}
	return out
}

func best(cands []candidate) *candidate {
	var winner *candidate
	for i := range cands {
		if winner == nil || cands[i].score > winner.score {
			winner = &cands[i]
		}
	}
	return winner
}

// collectSuggestions gathers advisory matches from both pools: raw name-only
// token-set scores with the lower suggestion threshold, deduplicated by
// display name keeping the highest score.
func collectSuggestions(snap *watchlist.Snapshot, sanctionsIdx, pepsIdx []int, queryJoined string) []TopMatch {
	bestByName := make(map[string]int)
	score := func(idx []int) {
		for _, i := range idx {
			entry := &snap.Entries[i]
			s := TokenSetRatio(queryJoined, entry.NameNorm)
			if s < suggestionThreshold {
				continue
			}
			if prev, ok := bestByName[entry.Name]; !ok || s > prev {
				bestByName[entry.Name] = s
			}
		}
	}
	score(sanctionsIdx)
	score(pepsIdx)

	out := make([]TopMatch, 0, len(bestByName))
	for name, s := range bestByName {
		out = append(out, TopMatch{Name: name, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > maxTopMatches {
		out = out[:maxTopMatches]
	}
	return out
}

func excludeName(suggestions []TopMatch, name string) []TopMatch {
	out := make([]TopMatch, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Name != name {
			out = append(out, s)
		}
	}
	return out
}

func sanctionsSourceLabel(entry *watchlist.Entry) string {
	if ds := strings.TrimSpace(entry.Dataset); ds != "" {
		return ds
	}
	return "Open Sanctions"
}

func matchedBirthDate(entry *watchlist.Entry) string {
	if entry.BirthNorm != "" {
		return entry.BirthNorm
	}
	return strings.TrimSpace(entry.BirthDate)
}

func confidenceFor(score int) Confidence {
	switch {
	case score >= 90:
		return ConfidenceHigh
	case score >= verdictThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
