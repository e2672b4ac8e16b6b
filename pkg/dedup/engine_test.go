package dedup

import (
	"fmt"
	"testing"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var header = []string{"email_address", "status", "FNAME", "YEAR"}

func row(email string) []string {
	return []string{email, "subscribed", "N", "2012"}
}

func ds(name string, emails ...string) *dataset.Dataset {
	d := dataset.New(name, header)
	for _, e := range emails {
		d.Rows = append(d.Rows, row(e))
	}
	return d
}

func emails(d *dataset.Dataset) []string {
	out := make([]string, 0, d.Len())
	for _, r := range d.Rows {
		out = append(out, r[0])
	}
	return out
}

func TestRun_RemovesRowsPresentInHigherPriority(t *testing.T) {
	a := ds("A", "x", "y", "z")
	b := ds("B", "x", "y", "w", "v")

	report, err := NewEngine().Run([]*dataset.Dataset{a, b})
	require.NoError(t, err)

	assert.Equal(t, []string{"w", "v"}, emails(b))
	assert.Equal(t, []string{"x", "y", "z"}, emails(a), "the winning dataset is never modified")
	assert.Equal(t, 2, report.Removed["B"])
	assert.Equal(t, 1, report.Pairs)
}

func TestRun_FullRowEquality(t *testing.T) {
	a := ds("A", "x")
	b := ds("B", "x")
	b.Rows[0][2] = "Other"

	_, err := NewEngine().Run([]*dataset.Dataset{a, b})
	require.NoError(t, err)

	assert.Equal(t, 1, b.Len(), "same address with a different column is not a duplicate")
}

func TestRun_IdenticalDatasetsUnchanged(t *testing.T) {
	a := ds("A", "x", "y")
	b := ds("B", "x", "y")

	report, err := NewEngine().Run([]*dataset.Dataset{a, b})
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y"}, emails(a))
	assert.Equal(t, []string{"x", "y"}, emails(b))
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.TotalRemoved())
}

func TestRun_SameRowsDifferentOrderAreDiffed(t *testing.T) {
	a := ds("A", "x", "y")
	b := ds("B", "y", "x")

	_, err := NewEngine().Run([]*dataset.Dataset{a, b})
	require.NoError(t, err)
	assert.Empty(t, b.Rows)
}

func TestRun_RemovedAtFirstMatch(t *testing.T) {
	a := ds("A", "p", "q", "r", "s")
	b := ds("B", "q", "t", "u")
	c := ds("C", "p", "q", "t", "k")

	report, err := NewEngine().Run([]*dataset.Dataset{a, b, c})
	require.NoError(t, err)

	assert.Equal(t, []string{"t", "u"}, emails(b))
	assert.Equal(t, []string{"k"}, emails(c))
	assert.Equal(t, 3, report.Removed["C"], "p and q against A, t against B")
	assert.Equal(t, 3, report.Pairs)
}

func TestRun_Idempotent(t *testing.T) {
	build := func() []*dataset.Dataset {
		var out []*dataset.Dataset
		for i := 0; i < 5; i++ {
			var es []string
			for j := 0; j < 20; j++ {
				if (i+j)%3 != 0 {
					es = append(es, fmt.Sprintf("m%02d", (i*7+j)%25))
				}
			}
			out = append(out, ds(fmt.Sprintf("S%d", i), es...))
		}
		out = append(out, ds("Copy", emails(out[4])...))
		return out
	}

	sets := build()
	e := NewEngine(IntegerDefault("YEAR", YearSentinel))

	first, err := e.Run(sets)
	require.NoError(t, err)
	require.Positive(t, first.TotalRemoved())

	snapshot := make([][][]string, len(sets))
	for i, d := range sets {
		snapshot[i] = append([][]string(nil), d.Rows...)
	}

	second, err := e.Run(sets)
	require.NoError(t, err)
	assert.Equal(t, 0, second.TotalRemoved())
	for i, d := range sets {
		if diff := cmp.Diff(snapshot[i], d.Rows); diff != "" {
			t.Errorf("%s changed on second run (-first +second):\n%s", d.Name, diff)
		}
	}
}

func TestRun_NormalizesBeforeComparing(t *testing.T) {
	a := ds("A", "x", "y")
	a.Rows[1][3] = ""
	b := ds("B", "x", "y", "z")
	b.Rows[0][3] = "2012.0"
	b.Rows[1][3] = "9999"

	_, err := NewEngine(IntegerDefault("YEAR", YearSentinel)).Run([]*dataset.Dataset{a, b})
	require.NoError(t, err)

	assert.Equal(t, []string{"z"}, emails(b))
	assert.Equal(t, "9999", a.Rows[1][3])
}

func TestRun_SchemaMismatch(t *testing.T) {
	a := ds("A", "x")
	b := dataset.New("B", []string{"email_address", "status"})

	_, err := NewEngine().Run([]*dataset.Dataset{a, b})
	assert.ErrorIs(t, err, dataset.ErrSchemaMismatch)
}

func TestRun_Empty(t *testing.T) {
	report, err := NewEngine().Run(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pairs)
}

func TestIntegerDefault(t *testing.T) {
	tests := []struct {
		in       string
		expected string
		wantErr  bool
	}{
		{"", "9999", false},
		{"  ", "9999", false},
		{"2012", "2012", false},
		{"2012.0", "2012", false},
		{"007", "7", false},
		{"unknown", "", true},
	}

	n := IntegerDefault("YEAR", YearSentinel)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			r := []string{"a@example.com", "subscribed", "N", tt.in}
			err := n(header, r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, r[3])
		})
	}
}

func TestIntegerDefault_MissingColumn(t *testing.T) {
	r := []string{"a@example.com", "subscribed"}
	require.NoError(t, IntegerDefault("YEAR", YearSentinel)([]string{"email_address", "status"}, r))
	assert.Equal(t, []string{"a@example.com", "subscribed"}, r)
}
