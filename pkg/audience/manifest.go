package audience

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ManifestFile is the default run manifest name.
const ManifestFile = "created_audience_info"

const manifestHeader = "ID NAME"

// WriteManifest records created audiences, one "<id> <name>" line each.
func WriteManifest(w io.Writer, runID string, audiences []Audience) error {
	bw := bufio.NewWriter(w)
	if runID != "" {
		fmt.Fprintf(bw, "# run %s\n", runID)
	}
	fmt.Fprintln(bw, manifestHeader)
	for _, a := range audiences {
		fmt.Fprintf(bw, "%s %s\n", a.ID, a.Name)
	}
	return bw.Flush()
}

// ReadManifest parses a run manifest. Comment lines and the header are
// skipped; names may contain spaces.
func ReadManifest(r io.Reader) ([]Audience, error) {
	var audiences []Audience
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if strings.Join(strings.Fields(text), " ") == manifestHeader {
			continue
		}

		id, name, _ := strings.Cut(text, " ")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("manifest line %d: missing audience name", line)
		}
		audiences = append(audiences, Audience{ID: id, Name: name})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return audiences, nil
}
