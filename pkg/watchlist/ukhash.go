package watchlist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// UKEntry is the canonical record fingerprinted to detect UK designation
// changes between refresh runs.
type UKEntry struct {
	NameNorm  string `json:"name_norm"`
	BirthDate string `json:"birth_date"`
	Dataset   string `json:"dataset"`
	Regime    string `json:"regime"`
}

// UKEntries projects the UK-relevant subset out of a sanctions entry list.
func UKEntries(entries []Entry) []UKEntry {
	var out []UKEntry
	for _, e := range entries {
		if e.SourceType != SourceSanctions || !IsUK(e) {
			continue
		}
		out = append(out, UKEntry{
			NameNorm:  e.NameNorm,
			BirthDate: e.BirthNorm,
			Dataset:   e.Dataset,
			Regime:    DeriveRegime(e),
		})
	}
	return out
}

// Fingerprint returns the SHA-256 hex digest of the RFC 8785 canonical JSON
// form of the entry. Identical entries fingerprint identically on every
// machine regardless of field ordering in the serializer.
func (u UKEntry) Fingerprint() (string, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("marshal uk entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize uk entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// UKHash computes the stable fingerprint of the whole UK subset: the sorted
// list of per-entry fingerprints, canonicalized and hashed. An empty subset
// hashes the empty list, not the empty string.
func UKHash(entries []UKEntry) (string, error) {
	fps := make([]string, 0, len(entries))
	for _, e := range entries {
		fp, err := e.Fingerprint()
		if err != nil {
			return "", err
		}
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	raw, err := json.Marshal(fps)
	if err != nil {
		return "", fmt.Errorf("marshal uk fingerprints: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize uk fingerprints: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// UKDelta compares two UK entry sets by fingerprint. Added and removed are
// pure set differences; changed counts name_norm values present on both sides
// whose fingerprints differ (a designation edit rather than a new listing).
type UKDelta struct {
	Added   int
	Removed int
	Changed int

	// AddedOrChangedNames holds the normalized names behind the added and
	// changed counts; the sweep derives its shortlist terms from these.
	AddedOrChangedNames []string
}

// ComputeUKDelta diffs prev against next.
func ComputeUKDelta(prev, next []UKEntry) (*UKDelta, error) {
	type side struct {
		fps   map[string]struct{}
		names map[string]map[string]struct{} // name_norm -> fingerprints
	}
	index := func(entries []UKEntry) (*side, error) {
		s := &side{
			fps:   make(map[string]struct{}, len(entries)),
			names: make(map[string]map[string]struct{}, len(entries)),
		}
		for _, e := range entries {
			fp, err := e.Fingerprint()
			if err != nil {
				return nil, err
			}
			s.fps[fp] = struct{}{}
			if s.names[e.NameNorm] == nil {
				s.names[e.NameNorm] = make(map[string]struct{})
			}
			s.names[e.NameNorm][fp] = struct{}{}
		}
		return s, nil
	}

	p, err := index(prev)
	if err != nil {
		return nil, err
	}
	n, err := index(next)
	if err != nil {
		return nil, err
	}

	delta := &UKDelta{}
	seenNames := make(map[string]struct{})
	for _, e := range next {
		fp, err := e.Fingerprint()
		if err != nil {
			return nil, err
		}
		if _, existed := p.fps[fp]; existed {
			continue
		}
		if _, nameExisted := p.names[e.NameNorm]; nameExisted {
			delta.Changed++
		} else {
			delta.Added++
		}
		if _, dup := seenNames[e.NameNorm]; !dup && e.NameNorm != "" {
			seenNames[e.NameNorm] = struct{}{}
			delta.AddedOrChangedNames = append(delta.AddedOrChangedNames, e.NameNorm)
		}
	}
	for _, e := range prev {
		fp, err := e.Fingerprint()
		if err != nil {
			return nil, err
		}
		if _, kept := n.fps[fp]; kept {
			continue
		}
		// The old side of an edited entry is already counted as changed.
		if _, nameKept := n.names[e.NameNorm]; !nameKept {
			delta.Removed++
		}
	}
	sort.Strings(delta.AddedOrChangedNames)
	return delta, nil
}
