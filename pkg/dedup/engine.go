// Package dedup removes members from lower-priority datasets that already
// appear in higher-priority ones.
//
// Datasets are compared pairwise in priority order. For every pair (i, j)
// with i ahead of j, rows of j that equal a row of i in every column are
// dropped from j. Because j keeps shrinking as i advances, a row is removed
// at the first higher-priority dataset that holds it. Two datasets that are
// identical row for row are left untouched.
package dedup

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	rowsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_dedup_rows_removed_total",
		Help: "Total number of duplicate rows removed from lower-priority datasets",
	})

	pairsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_dedup_identical_pairs_total",
		Help: "Total number of dataset pairs skipped because they were identical",
	})
)

// Normalizer rewrites a row in place before comparison.
type Normalizer func(header, row []string) error

// YearSentinel is the YEAR value for members without one.
const YearSentinel = 9999

// IntegerDefault fills an empty column with sentinel and renders the column
// as an integer ("2012.0" becomes "2012"). Datasets without the column are
// left alone.
func IntegerDefault(column string, sentinel int) Normalizer {
	return func(header, row []string) error {
		i := slices.Index(header, column)
		if i < 0 || i >= len(row) {
			return nil
		}

		v := strings.TrimSpace(row[i])
		if v == "" {
			row[i] = strconv.Itoa(sentinel)
			return nil
		}
		if n, err := strconv.Atoi(v); err == nil {
			row[i] = strconv.Itoa(n)
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("column %s: %q is not a number", column, row[i])
		}
		row[i] = strconv.FormatInt(int64(f), 10)
		return nil
	}
}

// Report summarizes a run.
type Report struct {
	Pairs   int
	Skipped int
	Removed map[string]int
}

// TotalRemoved returns the number of rows removed across all datasets.
func (r Report) TotalRemoved() int {
	n := 0
	for _, v := range r.Removed {
		n += v
	}
	return n
}

// Engine runs pairwise deduplication.
type Engine struct {
	normalizers []Normalizer
	logger      zerolog.Logger
}

// NewEngine creates an engine applying normalizers to every row first.
func NewEngine(normalizers ...Normalizer) *Engine {
	return &Engine{
		normalizers: normalizers,
		logger:      log.With().Str("component", "dedup").Logger(),
	}
}

// Run deduplicates datasets, which must already be in priority order
// (highest first). Datasets are modified in place. All datasets must share
// one header.
func (e *Engine) Run(datasets []*dataset.Dataset) (Report, error) {
	report := Report{Removed: make(map[string]int)}
	if len(datasets) == 0 {
		return report, nil
	}

	for _, d := range datasets {
		if !slices.Equal(d.Header, datasets[0].Header) {
			return report, fmt.Errorf("%w: %s has header %v, want %v", dataset.ErrSchemaMismatch, d.Name, d.Header, datasets[0].Header)
		}
		if err := e.normalize(d); err != nil {
			return report, err
		}
	}

	for i := 0; i < len(datasets)-1; i++ {
		for j := i + 1; j < len(datasets); j++ {
			report.Pairs++
			hi, lo := datasets[i], datasets[j]

			if hi.Equal(lo) {
				report.Skipped++
				pairsSkipped.Inc()
				e.logger.Warn().
					Str("dataset", lo.Name).
					Str("against", hi.Name).
					Msg("Datasets are identical - skipping")
				continue
			}

			before := lo.Len()
			lo.Rows = difference(lo.Rows, hi.Rows)
			removed := before - lo.Len()
			if removed == 0 {
				continue
			}

			report.Removed[lo.Name] += removed
			rowsRemoved.Add(float64(removed))
			e.logger.Info().
				Str("dataset", lo.Name).
				Str("against", hi.Name).
				Int("removed", removed).
				Int("remaining", lo.Len()).
				Msg("Removed duplicates")
		}
	}

	return report, nil
}

func (e *Engine) normalize(d *dataset.Dataset) error {
	for _, n := range e.normalizers {
		for r, row := range d.Rows {
			if err := n(d.Header, row); err != nil {
				return fmt.Errorf("%s row %d: %w", d.Name, r+1, err)
			}
		}
	}
	return nil
}

// difference returns the rows of lo that do not occur in hi, keeping lo's order.
func difference(lo, hi [][]string) [][]string {
	seen := make(map[string]struct{}, len(hi))
	for _, row := range hi {
		seen[rowKey(row)] = struct{}{}
	}

	kept := make([][]string, 0, len(lo))
	for _, row := range lo {
		if _, dup := seen[rowKey(row)]; !dup {
			kept = append(kept, row)
		}
	}
	return kept
}

// rowKey joins a row with the ASCII unit separator, which CSV exports do not contain.
func rowKey(row []string) string {
	return strings.Join(row, "\x1f")
}
