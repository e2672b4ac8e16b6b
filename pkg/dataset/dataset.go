// Package dataset holds tabular member data and its CSV form.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/member"
)

// ErrSchemaMismatch indicates datasets with different headers were combined.
var ErrSchemaMismatch = errors.New("dataset schema mismatch")

// utf8BOM is written by some spreadsheet exports and stripped on read.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Dataset is an ordered set of rows sharing one header.
type Dataset struct {
	Name   string
	Header []string
	Rows   [][]string

	// Size orders datasets by priority; for files it is the byte size.
	Size int64
}

// New returns an empty dataset.
func New(name string, header []string) *Dataset {
	return &Dataset{Name: name, Header: slices.Clone(header)}
}

// FromRecords builds a dataset from materialized records.
func FromRecords(name string, schema member.Schema, records []member.Record) *Dataset {
	d := New(name, schema.Header())
	d.Rows = make([][]string, 0, len(records))
	for _, r := range records {
		d.Rows = append(d.Rows, r.Row())
	}
	return d
}

// FileName returns the CSV file name for a dataset called name.
func FileName(name string) string {
	return name + ".csv"
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	return len(d.Rows)
}

// Column returns the index of column name, or -1.
func (d *Dataset) Column(name string) int {
	return slices.Index(d.Header, name)
}

// Equal reports whether d and o have the same header and the same rows in
// the same order.
func (d *Dataset) Equal(o *Dataset) bool {
	if !slices.Equal(d.Header, o.Header) || len(d.Rows) != len(o.Rows) {
		return false
	}
	for i := range d.Rows {
		if !slices.Equal(d.Rows[i], o.Rows[i]) {
			return false
		}
	}
	return true
}

// ReadCSV loads a dataset from path. The name is the file name without its
// extension and Size is the file's byte size.
func ReadCSV(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d, err := Decode(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	d.Size = int64(len(data))
	return d, nil
}

// Decode reads a header line and rows from r.
func Decode(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 0

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("missing header")
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return &Dataset{Header: header, Rows: rows}, nil
}

// Encode writes the header and rows to w.
func (d *Dataset) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(d.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteCSV replaces the file at path with d and updates d.Size.
func (d *Dataset) WriteCSV(path string) error {
	var buf bytes.Buffer
	if err := d.Encode(&buf); err != nil {
		return fmt.Errorf("encode %s: %w", d.Name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	d.Size = int64(buf.Len())
	return nil
}

// Concat appends the rows of parts, in order, into one dataset.
// All parts must share the first part's header.
func Concat(name string, parts ...*Dataset) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat %s: no parts", name)
	}

	out := New(name, parts[0].Header)
	for _, p := range parts {
		if !slices.Equal(p.Header, out.Header) {
			return nil, fmt.Errorf("%w: %s has header %v, want %v", ErrSchemaMismatch, p.Name, p.Header, out.Header)
		}
		out.Rows = append(out.Rows, p.Rows...)
	}
	return out, nil
}

// ConcatFiles reads the CSV files at paths and concatenates them in order.
func ConcatFiles(name string, paths ...string) (*Dataset, error) {
	parts := make([]*Dataset, 0, len(paths))
	for _, p := range paths {
		d, err := ReadCSV(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, d)
	}
	return Concat(name, parts...)
}

// PriorityOrder returns datasets sorted by descending Size; larger datasets
// win during deduplication. Ties keep their input order.
func PriorityOrder(datasets []*Dataset) []*Dataset {
	ordered := slices.Clone(datasets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Size > ordered[j].Size
	})
	return ordered
}
