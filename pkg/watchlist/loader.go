package watchlist

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/normalize"
)

// DefaultSanctionsAllowlist keeps consolidated sanctions rows only when their
// dataset field mentions one of the regimes the business screens against.
var DefaultSanctionsAllowlist = []string{
	"un ", "un_", "unsc",
	"eu ", "eu_", "eu council", "eu financial sanctions",
	"ofac",
	"hm treasury", "hmt", "uk financial",
}

// Loader downloads the sanctions and PEP feeds, projects and filters them,
// and writes the snapshot file. A failed refresh never replaces the current
// snapshot: the temp-then-rename write only happens after both feeds parsed.
type Loader struct {
	SanctionsLocation string
	PEPsLocation      string
	SnapshotPath      string
	Allowlist         []string
	FetchTimeout      time.Duration
	Logger            *slog.Logger

	// openFeed is swapped in tests.
	openFeed func(ctx context.Context, location string, timeout time.Duration) (FeedSource, error)
}

// RefreshStats summarizes one completed feed load.
type RefreshStats struct {
	SanctionsRows int
	PEPsRows      int
	UKEntries     []UKEntry
}

// Refresh fetches both feeds, writes the snapshot file atomically and returns
// the load statistics including the UK-only entries for fingerprinting.
func (l *Loader) Refresh(ctx context.Context, includePEPs bool) (*RefreshStats, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := l.openFeed
	if open == nil {
		open = OpenFeed
	}
	allow := l.Allowlist
	if len(allow) == 0 {
		allow = DefaultSanctionsAllowlist
	}

	sanctions, err := l.loadFeed(ctx, open, l.SanctionsLocation, SourceSanctions)
	if err != nil {
		return nil, fmt.Errorf("load sanctions feed: %w", err)
	}
	sanctions = filterByDataset(sanctions, allow)

	var peps []Entry
	if includePEPs {
		peps, err = l.loadFeed(ctx, open, l.PEPsLocation, SourcePEPs)
		if err != nil {
			return nil, fmt.Errorf("load peps feed: %w", err)
		}
	}

	entries := make([]Entry, 0, len(sanctions)+len(peps))
	entries = append(entries, sanctions...)
	entries = append(entries, peps...)

	if err := writeSnapshotFile(ctx, l.SnapshotPath, entries); err != nil {
		return nil, err
	}

	stats := &RefreshStats{
		SanctionsRows: len(sanctions),
		PEPsRows:      len(peps),
		UKEntries:     UKEntries(sanctions),
	}
	logger.Info("watchlist snapshot written",
		"path", l.SnapshotPath,
		"sanctions_rows", stats.SanctionsRows,
		"peps_rows", stats.PEPsRows,
		"uk_rows", len(stats.UKEntries))
	return stats, nil
}

func (l *Loader) loadFeed(ctx context.Context, open func(context.Context, string, time.Duration) (FeedSource, error), location string, source SourceType) ([]Entry, error) {
	feed, err := open(ctx, location, l.FetchTimeout)
	if err != nil {
		return nil, err
	}
	body, err := feed.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return ParseFeed(body, source)
}

// ParseFeed reads a CSV feed and projects each record into an Entry. Column
// order is taken from the header; unknown columns are ignored and missing
// optional columns default to empty.
func ParseFeed(r io.Reader, source SourceType) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read feed header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["name"]; !ok {
		return nil, fmt.Errorf("feed header missing required column %q", "name")
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var entries []Entry
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read feed record: %w", err)
		}
		name := field(rec, "name")
		if name == "" {
			continue
		}
		e := Entry{
			Schema:     strings.ToLower(field(rec, "schema")),
			Name:       name,
			Aliases:    field(rec, "aliases"),
			BirthDate:  field(rec, "birth_date"),
			ProgramIDs: field(rec, "program_ids"),
			Dataset:    field(rec, "dataset"),
			Sanctions:  field(rec, "sanctions"),
			SourceType: source,
			NameNorm:   normalize.Text(name),
		}
		if iso, ok := normalize.DOB(e.BirthDate); ok {
			e.BirthNorm = iso
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func filterByDataset(entries []Entry, allow []string) []Entry {
	out := entries[:0]
	for _, e := range entries {
		ds := strings.ToLower(e.Dataset)
		for _, token := range allow {
			if strings.Contains(ds, strings.ToLower(token)) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// DeriveRegime extracts a short regime label from an entry: the first token
// of program_ids, else the first chunk or line of the sanctions free text,
// else the dataset name.
func DeriveRegime(e Entry) string {
	if p := firstChunk(e.ProgramIDs); p != "" {
		return p
	}
	if s := firstChunk(e.Sanctions); s != "" {
		return s
	}
	return strings.TrimSpace(e.Dataset)
}

func firstChunk(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// ukMarkers identify UK designations inside the dataset or sanctions text.
var ukMarkers = []string{"hmt", "ofsi", "hm treasury", "uk fcdo", "uk financial sanctions", "gb_"}

// IsUK reports whether an entry belongs to the UK-relevant subset.
func IsUK(e Entry) bool {
	haystack := strings.ToLower(e.Dataset + " " + e.Sanctions)
	for _, m := range ukMarkers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}
