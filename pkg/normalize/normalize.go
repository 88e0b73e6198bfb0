// Package normalize provides deterministic canonicalization of names and
// dates of birth, entity keying, and the token preparation used by matching.
// All functions are pure: malformed input yields empty output, never an error.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopWords are corporate and geographic noise tokens dropped before matching.
var stopWords = map[string]struct{}{
	"the": {}, "ltd": {}, "llc": {}, "inc": {}, "co": {}, "company": {},
	"corp": {}, "plc": {}, "limited": {}, "real": {}, "estate": {},
	"group": {}, "services": {}, "solutions": {}, "hub": {}, "global": {},
	"trust": {}, "association": {}, "federation": {}, "union": {},
	"committee": {}, "organization": {}, "network": {}, "centre": {},
	"center": {}, "international": {}, "foundation": {}, "institute": {},
	"bank": {},
}

var decomposer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Text canonicalizes a display name: NFKD decomposition, combining marks and
// non-ASCII runes stripped, punctuation removed, whitespace collapsed,
// lowercased and trimmed.
func Text(s string) string {
	if s == "" {
		return ""
	}
	decomposed, _, err := transform.String(decomposer, s)
	if err != nil {
		decomposed = s
	}

	var b strings.Builder
	b.Grow(len(decomposed))
	pendingSpace := false
	for _, r := range decomposed {
		if r > unicode.MaxASCII {
			continue
		}
		switch {
		case unicode.IsSpace(r):
			pendingSpace = true
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// dobLayouts are tried in order. Month-first slash/dot forms take precedence
// over day-first, matching the behavior of the upstream feed tooling.
var dobLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006.01.02",
	"01/02/2006",
	"02/01/2006",
	"01.02.2006",
	"02.01.2006",
	"01-02-2006",
	"02-01-2006",
	"2 January 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// DOB parses a date of birth in any reasonable format and returns it as
// YYYY-MM-DD. ok is false when the input is empty or unparseable.
func DOB(s string) (iso string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// EntityKey derives the canonical cache/queue key for a screening subject:
// SHA-256 hex of "<name_norm>|<entity_type_lc>|<dob_iso_or_empty>".
func EntityKey(name, entityType, dob string) string {
	dobISO, _ := DOB(dob)
	payload := Text(name) + "|" + strings.ToLower(strings.TrimSpace(entityType)) + "|" + dobISO
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// MatchTokens canonicalizes s, splits it on whitespace and drops stop words.
// It returns the joined cleaned string and the surviving tokens in their
// original order. When every token is a stop word the unfiltered token set is
// returned so that names made entirely of noise tokens remain matchable.
func MatchTokens(s string) (joined string, tokens []string) {
	raw := strings.Fields(Text(s))
	if len(raw) == 0 {
		return "", nil
	}
	kept := make([]string, 0, len(raw))
	for _, t := range raw {
		if _, noise := stopWords[t]; !noise {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = raw
	}
	return strings.Join(kept, " "), kept
}

// TokenSet returns the deduplicated, sorted token set for s, after stop-word
// filtering. Used for overlap and Jaccard checks.
func TokenSet(s string) []string {
	_, tokens := MatchTokens(s)
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
