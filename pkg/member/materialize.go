package member

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	payloadFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_payload_heuristic_fallbacks_total",
		Help: "Total number of extractions where the payload file was picked by size",
	})

	recordsMaterialized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_records_materialized_total",
		Help: "Total number of member records materialized from batch results",
	})
)

// Result is one entry of a batch result file.
type Result struct {
	StatusCode  int    `json:"status_code"`
	OperationID string `json:"operation_id"`
	Response    string `json:"response"`
}

// Member is a member as returned by the platform.
type Member struct {
	EmailAddress *string                    `json:"email_address"`
	Status       *string                    `json:"status"`
	MergeFields  map[string]json.RawMessage `json:"merge_fields"`
}

type membersResponse struct {
	Members    []Member `json:"members"`
	TotalItems int      `json:"total_items"`
}

// Materializer converts extracted batch results into records of a schema.
type Materializer struct {
	schema Schema
	logger zerolog.Logger
}

// NewMaterializer creates a materializer for schema.
func NewMaterializer(schema Schema) *Materializer {
	return &Materializer{
		schema: schema,
		logger: log.With().Str("component", "materializer").Logger(),
	}
}

// Schema returns the schema records are produced for.
func (m *Materializer) Schema() Schema {
	return m.schema
}

// Materialize reads the extraction directory dir and returns the members of
// the response to operationID as records.
func (m *Materializer) Materialize(dir, operationID string) ([]Record, error) {
	path, results, err := m.SelectPayload(dir, operationID)
	if err != nil {
		return nil, err
	}

	entry, err := pickEntry(results, operationID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if entry.StatusCode >= 400 {
		return nil, fmt.Errorf("operation %q failed with status %d: %s", entry.OperationID, entry.StatusCode, entry.Response)
	}

	var resp membersResponse
	if err := json.Unmarshal([]byte(entry.Response), &resp); err != nil {
		return nil, fmt.Errorf("decode response of operation %q: %w", entry.OperationID, err)
	}

	records, err := m.Records(resp.Members)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("file", path).
		Str("operation_id", entry.OperationID).
		Int("records", len(records)).
		Msg("Materialized batch result")

	return records, nil
}

// Records flattens members. Any member lacking a primary field or one of
// the schema's merge fields aborts the whole conversion.
func (m *Materializer) Records(members []Member) ([]Record, error) {
	records := make([]Record, 0, len(members))
	for _, mem := range members {
		rec, err := m.record(mem)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	recordsMaterialized.Add(float64(len(records)))
	return records, nil
}

func (m *Materializer) record(mem Member) (Record, error) {
	if mem.EmailAddress == nil {
		return Record{}, &MissingFieldError{Field: FieldEmailAddress}
	}
	email := *mem.EmailAddress
	if mem.Status == nil {
		return Record{}, &MissingFieldError{EmailAddress: email, Field: FieldStatus}
	}

	rec := Record{
		EmailAddress: email,
		Status:       *mem.Status,
		MergeFields:  make([]Field, 0, len(m.schema.MergeFields)),
	}
	for _, tag := range m.schema.MergeFields {
		raw, ok := mem.MergeFields[tag]
		if !ok {
			return Record{}, &MissingFieldError{EmailAddress: email, Field: tag}
		}
		value, err := scalar(raw)
		if err != nil {
			return Record{}, fmt.Errorf("member %s field %s: %w", email, tag, err)
		}
		rec.MergeFields = append(rec.MergeFields, Field{Tag: tag, Value: value})
	}
	return rec, nil
}

// scalar renders a merge field value as text. Numbers keep their literal form.
func scalar(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		// Address fields are objects; keep them as compact JSON.
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

// SelectPayload locates the result file in dir.
//
// A file is authoritative when one of its entries carries operationID. When
// no file declares it, or operationID is empty, the largest file wins; that
// fallback is logged and counted.
func (m *Materializer) SelectPayload(dir, operationID string) (string, []Result, error) {
	files, err := filesBySize(dir)
	if err != nil {
		return "", nil, err
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("%w: %s is empty", ErrNoPayload, dir)
	}

	if operationID != "" {
		for _, f := range files {
			results, err := readResults(f.path)
			if err != nil {
				continue
			}
			for _, r := range results {
				if r.OperationID == operationID {
					return f.path, results, nil
				}
			}
		}
	}

	largest := files[0]
	payloadFallbacks.Inc()
	m.logger.Warn().
		Str("dir", dir).
		Str("operation_id", operationID).
		Str("file", largest.path).
		Int64("bytes", largest.size).
		Int("candidates", len(files)).
		Msg("No result file declares the operation - falling back to the largest file")

	results, err := readResults(largest.path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrNoPayload, largest.path, err)
	}
	return largest.path, results, nil
}

func pickEntry(results []Result, operationID string) (Result, error) {
	if len(results) == 0 {
		return Result{}, ErrNoPayload
	}
	if operationID != "" {
		for _, r := range results {
			if r.OperationID == operationID {
				return r, nil
			}
		}
	}
	return results[0], nil
}

func readResults(path string) ([]Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, err
	}
	return results, nil
}

type sizedFile struct {
	path string
	size int64
}

// filesBySize lists regular files under dir, largest first.
func filesBySize(dir string) ([]sizedFile, error) {
	var files []sizedFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, sizedFile{path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].size != files[j].size {
			return files[i].size > files[j].size
		}
		return files[i].path < files[j].path
	})
	return files, nil
}
