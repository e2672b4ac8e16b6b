// Package segment exports saved segments of a list to CSV through paged
// batch retrievals, and plans exports for many segments.
package segment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
)

// ErrNameMismatch indicates the platform reports a different name for a
// segment id than the one declared locally.
var ErrNameMismatch = errors.New("segment name mismatch")

// Info is the platform's description of a segment.
type Info struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
	ListID      string `json:"list_id"`
}

// Target is a segment to export as declared in the input file.
type Target struct {
	ID       string
	Name     string
	ListName string
}

// Input file columns.
const (
	ColumnSegmentName = "Segment Name"
	ColumnSegmentID   = "Segment id"
	ColumnListName    = "List Name"
)

// ReadTargets reads the input CSV naming segments and, optionally, the
// audiences to create for them.
func ReadTargets(path string) ([]Target, error) {
	d, err := dataset.ReadCSV(path)
	if err != nil {
		return nil, err
	}

	nameCol, idCol, listCol := d.Column(ColumnSegmentName), d.Column(ColumnSegmentID), d.Column(ColumnListName)
	if nameCol < 0 || idCol < 0 {
		return nil, fmt.Errorf("%s: columns %q and %q are required", path, ColumnSegmentName, ColumnSegmentID)
	}

	targets := make([]Target, 0, d.Len())
	for i, row := range d.Rows {
		t := Target{
			ID:   strings.TrimSpace(row[idCol]),
			Name: strings.TrimSpace(row[nameCol]),
		}
		if listCol >= 0 {
			t.ListName = strings.TrimSpace(row[listCol])
		}
		if t.ID == "" {
			return nil, fmt.Errorf("%s row %d: empty %s", path, i+2, ColumnSegmentID)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// Slug removes whitespace from a segment name for use in file names.
func Slug(name string) string {
	return strings.Join(strings.Fields(name), "")
}

// lookup fetches segment metadata. Metadata GETs go through the response cache.
func lookup(ctx context.Context, c *client.Client, listID, segmentID string) (*Info, error) {
	path := fmt.Sprintf("/lists/%s/segments/%s", url.PathEscape(listID), url.PathEscape(segmentID))
	query := url.Values{"fields": {"id,name,member_count,list_id"}}

	var info Info
	if err := c.GetCachedJSON(ctx, path, query, &info); err != nil {
		return nil, fmt.Errorf("get segment %s: %w", segmentID, err)
	}
	return &info, nil
}

// checkName compares a declared name with the platform's.
func checkName(t Target, info *Info) error {
	if t.Name != "" && t.Name != info.Name {
		return fmt.Errorf("%w: segment %s is %q on the platform, declared as %q", ErrNameMismatch, t.ID, info.Name, t.Name)
	}
	return nil
}
