package segment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/pagination"
)

// PlanHeader heads a command file.
const PlanHeader = "# ID, COUNT, OFFSET, COUNTER, MEMBERS, PARTS"

// PlanEntry is one planned segment export.
type PlanEntry struct {
	Target
	MemberCount int
	PageSize    int
	Parts       int
}

// Plan looks up every target, verifies its name, and returns the exports
// ordered by ascending member count.
func (e *Exporter) Plan(ctx context.Context, targets []Target) ([]PlanEntry, error) {
	entries := make([]PlanEntry, 0, len(targets))
	for _, t := range targets {
		info, err := e.Info(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if err := checkName(t, info); err != nil {
			return nil, err
		}

		size := pagination.PageSize(info.MemberCount)
		if t.Name == "" {
			t.Name = info.Name
		}
		entries = append(entries, PlanEntry{
			Target:      t,
			MemberCount: info.MemberCount,
			PageSize:    size,
			Parts:       pagination.PageCount(info.MemberCount, size),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].MemberCount < entries[j].MemberCount
	})
	return entries, nil
}

// WritePlan writes a shell command file running command once per entry,
// each followed by a pause.
func WritePlan(w io.Writer, entries []PlanEntry, command string, pause time.Duration) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, PlanHeader)
	for _, e := range entries {
		fmt.Fprintf(bw, "%s %s %d %d %d %d %d\n", command, e.ID, e.PageSize, 0, 1, e.MemberCount, e.Parts)
		if pause > 0 {
			fmt.Fprintf(bw, "sleep %d\n", int(pause.Seconds()))
		}
	}
	return bw.Flush()
}
