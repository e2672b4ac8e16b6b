package dedup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDir(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "All_segments_deduplicated")

	small := ds("Small Segment", "x", "w")
	large := ds("Large Segment", "x", "y", "z")
	for _, d := range []*dataset.Dataset{small, large} {
		require.NoError(t, d.WriteCSV(filepath.Join(src, dataset.FileName(d.Name))))
	}

	// The small segment comes first by name but the larger file wins.
	report, err := NewEngine(IntegerDefault("YEAR", YearSentinel)).RunDir(src, dst, []string{"Small Segment", "Large Segment"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed["Small Segment"])

	got, err := dataset.ReadCSV(filepath.Join(dst, "Small Segment.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, emails(got))

	got, err = dataset.ReadCSV(filepath.Join(dst, "Large Segment.csv"))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Len())

	orig, err := dataset.ReadCSV(filepath.Join(src, "Small Segment.csv"))
	require.NoError(t, err)
	assert.Equal(t, 2, orig.Len(), "source files must not be modified")
}

func TestRunDir_MissingFile(t *testing.T) {
	_, err := NewEngine().RunDir(t.TempDir(), t.TempDir(), []string{"missing"})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunDir_InPlaceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []*dataset.Dataset{ds("A", "x", "y", "z"), ds("B", "x", "w")} {
		require.NoError(t, d.WriteCSV(filepath.Join(dir, dataset.FileName(d.Name))))
	}
	engine := NewEngine(IntegerDefault("YEAR", YearSentinel))

	report, err := engine.RunDir(dir, dir, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalRemoved())

	first := map[string][]byte{}
	for _, name := range []string{"A.csv", "B.csv"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		first[name] = data
	}

	// A relative spelling of the same directory must not truncate the files.
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, dir)
	require.NoError(t, err)

	report, err = engine.RunDir(dir, rel, []string{"A", "B"})
	require.NoError(t, err)
	assert.Zero(t, report.TotalRemoved())

	for name, want := range first {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), name)
	}

	b, err := dataset.ReadCSV(filepath.Join(dir, "B.csv"))
	require.NoError(t, err)
	assert.Equal(t, []string{"w"}, emails(b))
}
