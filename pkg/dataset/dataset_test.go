package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/member"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var header = []string{"email_address", "status", "FNAME", "YEAR"}

func rows(emails ...string) [][]string {
	out := make([][]string, len(emails))
	for i, e := range emails {
		out[i] = []string{e, "subscribed", "Name", "2012"}
	}
	return out
}

func TestFromRecords(t *testing.T) {
	schema := member.NewSchema([]string{"FNAME", "YEAR"})
	records := []member.Record{
		{EmailAddress: "a@example.com", Status: "subscribed", MergeFields: []member.Field{{Tag: "FNAME", Value: "Ann"}, {Tag: "YEAR", Value: "2012"}}},
		{EmailAddress: "b@example.com", Status: "cleaned", MergeFields: []member.Field{{Tag: "FNAME", Value: "Bo"}, {Tag: "YEAR", Value: ""}}},
	}

	d := FromRecords("Ford", schema, records)

	assert.Equal(t, "Ford", d.Name)
	assert.Equal(t, header, d.Header)
	want := [][]string{
		{"a@example.com", "subscribed", "Ann", "2012"},
		{"b@example.com", "cleaned", "Bo", ""},
	}
	if diff := cmp.Diff(want, d.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	d := New("Ford owners", header)
	d.Rows = [][]string{
		{"a@example.com", "subscribed", "Ann, Jr.", "2012"},
		{"b@example.com", "unsubscribed", `Quote "Q"`, ""},
		{"c@example.com", "subscribed", "Multi\nLine", "9999"},
	}

	path := filepath.Join(t.TempDir(), FileName(d.Name))
	require.NoError(t, d.WriteCSV(path))

	got, err := ReadCSV(path)
	require.NoError(t, err)

	assert.Equal(t, "Ford owners", got.Name)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), got.Size)
	assert.Equal(t, d.Size, got.Size)

	if diff := cmp.Diff(d.Header, got.Header); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(d.Rows, got.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestReadCSV_StripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bom.csv")
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("email_address,status\na@example.com,subscribed\n")...)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	d, err := ReadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"email_address", "status"}, d.Header)
	assert.Equal(t, 0, d.Column("email_address"))
	assert.Equal(t, 1, d.Len())
}

func TestReadCSV_Errors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err := ReadCSV(empty)
	assert.Error(t, err)

	ragged := filepath.Join(dir, "ragged.csv")
	require.NoError(t, os.WriteFile(ragged, []byte("a,b\n1,2,3\n"), 0o644))
	_, err = ReadCSV(ragged)
	assert.Error(t, err)

	_, err = ReadCSV(filepath.Join(dir, "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestEqual(t *testing.T) {
	a := &Dataset{Header: header, Rows: rows("x", "y")}

	tests := []struct {
		name     string
		other    *Dataset
		expected bool
	}{
		{"identical", &Dataset{Header: header, Rows: rows("x", "y")}, true},
		{"reordered", &Dataset{Header: header, Rows: rows("y", "x")}, false},
		{"subset", &Dataset{Header: header, Rows: rows("x")}, false},
		{"different header", &Dataset{Header: []string{"email_address"}, Rows: rows("x", "y")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, a.Equal(tt.other))
		})
	}
}

func TestConcat(t *testing.T) {
	p1 := &Dataset{Name: "p1", Header: header, Rows: rows("a", "b")}
	p2 := &Dataset{Name: "p2", Header: header, Rows: rows("c")}

	d, err := Concat("seg", p1, p2)
	require.NoError(t, err)
	assert.Equal(t, "seg", d.Name)
	if diff := cmp.Diff(rows("a", "b", "c"), d.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	_, err = Concat("seg", p1, &Dataset{Name: "bad", Header: []string{"email_address"}})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, err = Concat("seg")
	assert.Error(t, err)
}

func TestConcatFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, emails := range [][]string{{"a", "b"}, {"c"}, {}} {
		d := &Dataset{Name: "part", Header: header, Rows: rows(emails...)}
		p := filepath.Join(dir, "part-"+string(rune('1'+i))+".csv")
		require.NoError(t, d.WriteCSV(p))
		paths = append(paths, p)
	}

	d, err := ConcatFiles("merged", paths...)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, "a", d.Rows[0][0])
	assert.Equal(t, "c", d.Rows[2][0])
}

func TestPriorityOrder(t *testing.T) {
	small := &Dataset{Name: "small", Size: 10}
	large := &Dataset{Name: "large", Size: 300}
	tieA := &Dataset{Name: "tieA", Size: 50}
	tieB := &Dataset{Name: "tieB", Size: 50}

	in := []*Dataset{small, tieA, large, tieB}
	got := PriorityOrder(in)

	var names []string
	for _, d := range got {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"large", "tieA", "tieB", "small"}, names)
	assert.Equal(t, "small", in[0].Name, "input must not be reordered")
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	d := &Dataset{Header: []string{"email_address", "status"}, Rows: [][]string{{"a@example.com", "subscribed"}}}
	require.NoError(t, d.Encode(&buf))
	assert.Equal(t, "email_address,status\na@example.com,subscribed\n", buf.String())
}
