package watchlist

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sanctionsCSV = `schema,name,aliases,birth_date,program_ids,dataset,sanctions
Person,Vladimir Putin,Putin Vladimir Vladimirovich,1952-10-07,UK-RUS;EU-RUS,uk_hmt_sanctions,HM Treasury consolidated list
Person,Omar Bashir,,,UN-SDN,un_sc_sanctions,UN Security Council
Company,Shadow Holdings Ltd,,,,ru_local_registry,Regional registry
LegalEntity,Global Horizons Trading,,,EU-UKR,eu_fsf,EU Financial Sanctions Files
`

const pepsCSV = `schema,name,aliases,birth_date,program_ids,dataset,sanctions
Person,Abu Hamza,,,,"peps",
Person,Maria Santos,,1960-03-15,,peps,
`

func TestParseFeedProjection(t *testing.T) {
	entries, err := ParseFeed(strings.NewReader(sanctionsCSV), SourceSanctions)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	putin := entries[0]
	require.Equal(t, "person", putin.Schema)
	require.Equal(t, "Vladimir Putin", putin.Name)
	require.Equal(t, "vladimir putin", putin.NameNorm)
	require.Equal(t, "1952-10-07", putin.BirthNorm)
	require.Equal(t, SourceSanctions, putin.SourceType)

	require.Equal(t, "legalentity", entries[3].Schema)
}

func TestParseFeedMissingNameColumn(t *testing.T) {
	_, err := ParseFeed(strings.NewReader("schema,dataset\nPerson,x\n"), SourceSanctions)
	require.Error(t, err)
}

type readerFeed struct {
	body string
}

func (f readerFeed) Fetch(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestLoaderRefreshFiltersAndWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchlist.db")

	feeds := map[string]string{
		"https://example.test/sanctions.csv": sanctionsCSV,
		"https://example.test/peps.csv":      pepsCSV,
	}
	l := &Loader{
		SanctionsLocation: "https://example.test/sanctions.csv",
		PEPsLocation:      "https://example.test/peps.csv",
		SnapshotPath:      path,
		openFeed: func(_ context.Context, location string, _ time.Duration) (FeedSource, error) {
			return readerFeed{body: feeds[location]}, nil
		},
	}

	stats, err := l.Refresh(context.Background(), true)
	require.NoError(t, err)
	// The local-registry row is filtered out by the dataset allow list.
	require.Equal(t, 3, stats.SanctionsRows)
	require.Equal(t, 2, stats.PEPsRows)
	require.Len(t, stats.UKEntries, 1)
	require.Equal(t, "vladimir putin", stats.UKEntries[0].NameNorm)

	snap, err := ReadSnapshotFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 5)
}

func TestDeriveRegime(t *testing.T) {
	require.Equal(t, "UK-RUS", DeriveRegime(Entry{ProgramIDs: "UK-RUS;EU-RUS"}))
	require.Equal(t, "HM Treasury", DeriveRegime(Entry{Sanctions: "HM Treasury; OFSI"}))
	require.Equal(t, "First line", DeriveRegime(Entry{Sanctions: "First line\nsecond line"}))
	require.Equal(t, "eu_fsf", DeriveRegime(Entry{Dataset: "eu_fsf"}))
	require.Equal(t, "", DeriveRegime(Entry{}))
}

func TestIsUK(t *testing.T) {
	require.True(t, IsUK(Entry{Dataset: "uk_hmt_sanctions"}))
	require.True(t, IsUK(Entry{Sanctions: "HM Treasury consolidated list"}))
	require.True(t, IsUK(Entry{Sanctions: "OFSI designation"}))
	require.False(t, IsUK(Entry{Dataset: "un_sc_sanctions"}))
	require.False(t, IsUK(Entry{Dataset: "eu_fsf"}))
}
