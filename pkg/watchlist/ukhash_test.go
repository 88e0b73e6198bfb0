package watchlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ukFixture() []UKEntry {
	return []UKEntry{
		{NameNorm: "vladimir putin", BirthDate: "1952-10-07", Dataset: "uk_hmt_sanctions", Regime: "UK-RUS"},
		{NameNorm: "shadow holdings", Dataset: "uk_hmt_sanctions", Regime: "UK-RUS"},
	}
}

func TestUKHashDeterministicAndOrderIndependent(t *testing.T) {
	entries := ukFixture()

	h1, err := UKHash(entries)
	require.NoError(t, err)
	require.Len(t, h1, 64)

	reversed := []UKEntry{entries[1], entries[0]}
	h2, err := UKHash(reversed)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "entry order must not affect the fingerprint")
}

func TestUKHashSensitiveToContent(t *testing.T) {
	h1, err := UKHash(ukFixture())
	require.NoError(t, err)

	edited := ukFixture()
	edited[0].Regime = "UK-BLR"
	h2, err := UKHash(edited)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	empty, err := UKHash(nil)
	require.NoError(t, err)
	require.NotEmpty(t, empty)
	require.NotEqual(t, h1, empty)
}

func TestComputeUKDelta(t *testing.T) {
	prev := ukFixture()
	next := []UKEntry{
		// unchanged
		prev[0],
		// edited designation for an existing name
		{NameNorm: "shadow holdings", Dataset: "uk_hmt_sanctions", Regime: "UK-SYR"},
		// brand new listing
		{NameNorm: "omar bashir", Dataset: "uk_hmt_sanctions", Regime: "UK-SDN"},
	}

	delta, err := ComputeUKDelta(prev, next)
	require.NoError(t, err)
	require.Equal(t, 1, delta.Added)
	require.Equal(t, 1, delta.Changed)
	require.Equal(t, 0, delta.Removed)
	require.ElementsMatch(t, []string{"omar bashir", "shadow holdings"}, delta.AddedOrChangedNames)
}

func TestComputeUKDeltaRemoved(t *testing.T) {
	prev := ukFixture()
	next := prev[:1]

	delta, err := ComputeUKDelta(prev, next)
	require.NoError(t, err)
	require.Equal(t, 0, delta.Added)
	require.Equal(t, 0, delta.Changed)
	require.Equal(t, 1, delta.Removed)
	require.Empty(t, delta.AddedOrChangedNames)
}

func TestComputeUKDeltaNoChange(t *testing.T) {
	delta, err := ComputeUKDelta(ukFixture(), ukFixture())
	require.NoError(t, err)
	require.Zero(t, delta.Added)
	require.Zero(t, delta.Removed)
	require.Zero(t, delta.Changed)
}
