package dedup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
)

// RunDir copies the CSV files for names from srcDir into dstDir, orders them
// by descending file size, deduplicates them and overwrites the copies.
// srcDir is never modified unless it is dstDir, in which case the files are
// deduplicated in place.
func (e *Engine) RunDir(srcDir, dstDir string, names []string) (Report, error) {
	inPlace, err := sameDir(srcDir, dstDir)
	if err != nil {
		return Report{}, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("create %s: %w", dstDir, err)
	}

	datasets := make([]*dataset.Dataset, 0, len(names))
	for _, name := range names {
		file := dataset.FileName(name)
		dst := filepath.Join(dstDir, file)
		if !inPlace {
			if err := copyFile(filepath.Join(srcDir, file), dst); err != nil {
				return Report{}, err
			}
		}
		d, err := dataset.ReadCSV(dst)
		if err != nil {
			return Report{}, err
		}
		datasets = append(datasets, d)
	}

	ordered := dataset.PriorityOrder(datasets)
	for rank, d := range ordered {
		e.logger.Info().
			Int("priority", rank+1).
			Str("dataset", d.Name).
			Int64("bytes", d.Size).
			Int("rows", d.Len()).
			Msg("Dataset priority")
	}

	report, err := e.Run(ordered)
	if err != nil {
		return report, err
	}

	for _, d := range ordered {
		if err := d.WriteCSV(filepath.Join(dstDir, dataset.FileName(d.Name))); err != nil {
			return report, fmt.Errorf("write %s: %w", d.Name, err)
		}
	}

	e.logger.Info().
		Int("datasets", len(ordered)).
		Int("pairs", report.Pairs).
		Int("skipped", report.Skipped).
		Int("removed", report.TotalRemoved()).
		Msg("Deduplication complete")

	return report, nil
}

func sameDir(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	if absA == absB {
		return true, nil
	}

	// Different spellings of one directory, e.g. through a symlink.
	infoA, errA := os.Stat(absA)
	infoB, errB := os.Stat(absB)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB), nil
}

// copyFile reads src fully before touching dst.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
