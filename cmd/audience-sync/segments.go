package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dedup"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/segment"
	"github.com/spf13/cobra"
)

func newPlanCmd(a *app) *cobra.Command {
	var (
		output  string
		command string
		pause   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "plan <segments.csv>",
		Short: "Look up segments and write a command file exporting each of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := segment.ReadTargets(args[0])
			if err != nil {
				return err
			}
			e, err := a.exporter(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := e.Plan(cmd.Context(), targets)
			if err != nil {
				return err
			}

			path := filepath.Join(a.cfg.WorkDir, output)
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := segment.WritePlan(f, entries, command, pause); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			for _, e := range entries {
				fmt.Fprintf(a.out, "%s\t%s\t%d members\t%d parts of %d\n", e.ID, e.Name, e.MemberCount, e.Parts, e.PageSize)
			}
			a.logger.Info().Str("file", path).Int("segments", len(entries)).Msg("Export plan written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "run_export_segments", "command file name inside the work directory")
	cmd.Flags().StringVar(&command, "command", "audience-sync export", "command prefix written for each segment")
	cmd.Flags().DurationVar(&pause, "pause", 2*time.Minute, "pause between segment exports")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "export <segment-id> [count offset counter members parts]",
		Short: "Export the members of one segment to <segment name>.csv",
		Args:  cobra.RangeArgs(1, 6),
		RunE: func(cmd *cobra.Command, args []string) error {
			nums, err := intArgs(args[1:])
			if err != nil {
				return err
			}
			opts := segment.Options{PageSize: nums[0], Offset: nums[1], Counter: nums[2]}

			e, err := a.exporter(cmd.Context())
			if err != nil {
				return err
			}
			res, err := e.Export(cmd.Context(), segment.Target{ID: args[0], Name: name}, opts)
			if err != nil {
				return err
			}

			if planned := nums[3]; planned > 0 && planned != res.Segment.MemberCount {
				a.logger.Warn().Int("planned", planned).Int("members", res.Segment.MemberCount).Msg("Segment size changed since planning")
			}
			if planned := nums[4]; planned > 0 && planned != res.Pages {
				a.logger.Warn().Int("planned", planned).Int("parts", res.Pages).Msg("Part count differs from plan")
			}

			fmt.Fprintf(a.out, "%s\t%d rows\t%d parts\n", res.Path, res.Rows, res.Pages)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "expected segment name; export fails on mismatch")
	return cmd
}

// intArgs parses up to five optional numeric arguments; missing ones are 0.
func intArgs(args []string) ([5]int, error) {
	var out [5]int
	for i, s := range args {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return out, fmt.Errorf("argument %d: %q is not a non-negative integer", i+2, s)
		}
		out[i] = n
	}
	return out, nil
}

func newDedupCmd(a *app) *cobra.Command {
	var (
		srcDir string
		dstDir string
	)

	cmd := &cobra.Command{
		Use:   "dedup <segments.csv>",
		Short: "Copy exported segments and remove members already present in larger segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := segment.ReadTargets(args[0])
			if err != nil {
				return err
			}
			names := make([]string, 0, len(targets))
			for _, t := range targets {
				if t.Name == "" {
					return fmt.Errorf("segment %s has no name", t.ID)
				}
				names = append(names, t.Name)
			}

			if srcDir == "" {
				srcDir = a.cfg.WorkDir
			}
			if !filepath.IsAbs(dstDir) {
				dstDir = filepath.Join(a.cfg.WorkDir, dstDir)
			}
			engine := dedup.NewEngine(dedup.IntegerDefault("YEAR", dedup.YearSentinel))
			report, err := engine.RunDir(srcDir, dstDir, names)
			if err != nil {
				return err
			}

			for _, n := range names {
				fmt.Fprintf(a.out, "%s\t%d removed\n", dataset.FileName(n), report.Removed[n])
			}
			a.logger.Info().
				Int("pairs", report.Pairs).
				Int("identical", report.Skipped).
				Int("removed", report.TotalRemoved()).
				Str("dir", dstDir).
				Msg("Deduplication finished")
			return nil
		},
	}

	cmd.Flags().StringVar(&srcDir, "src", "", "directory holding exported segments (default: work dir)")
	cmd.Flags().StringVar(&dstDir, "dst", "All_segments_deduplicated", "directory receiving deduplicated copies, relative to the work dir")
	return cmd
}

func newMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <output.csv> <input.csv>...",
		Short: "Concatenate CSV files with identical headers",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			out := args[0]
			name := filepath.Base(out)
			merged, err := dataset.ConcatFiles(name[:len(name)-len(filepath.Ext(name))], args[1:]...)
			if err != nil {
				return err
			}
			if err := merged.WriteCSV(out); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s\t%d rows\n", out, merged.Len())
			return nil
		},
	}
}
