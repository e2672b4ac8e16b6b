package audience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/internal/testutil"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templateID = "tmpl"

func setup(t *testing.T) (*testutil.MockPlatform, *client.Client) {
	t.Helper()

	mock := testutil.NewMockPlatform()
	t.Cleanup(mock.Close)
	mock.AddList(&testutil.List{
		ID:                 templateID,
		Name:               "Template",
		Contact:            map[string]any{"company": "Parts Co", "country": "CA"},
		CampaignDefaults:   map[string]any{"from_name": "Parts Co", "language": "en"},
		PermissionReminder: "You signed up on our site.",
		EmailTypeOption:    true,
		MergeFields: []testutil.MergeField{
			{Tag: "FNAME", Name: "First Name", Type: "text", Public: true},
			{Tag: "LNAME", Name: "Last Name", Type: "text", Public: true},
			{Tag: "MAKE", Name: "Make", Type: "text"},
			{Tag: "YEAR", Name: "Year", Type: "number"},
		},
	})

	cfg := client.DefaultConfig(mock.BaseURL(), "test-key-us6")
	cfg.MaxRetries = 1
	cfg.InitialBackoff = time.Millisecond
	c, err := client.New(cfg)
	require.NoError(t, err)
	return mock, c
}

func importer(c *client.Client) *Importer {
	poller := batch.NewPoller(c, batch.PollConfig{Interval: time.Millisecond, MaxFailures: 3, Timeout: 5 * time.Second})
	return NewImporter(batch.NewSubmitter(c), poller)
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Owners 2012.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTemplate(t *testing.T) {
	_, c := setup(t)

	tpl, err := LoadTemplate(context.Background(), c, templateID)
	require.NoError(t, err)

	assert.Equal(t, "You signed up on our site.", tpl.PermissionReminder)
	assert.True(t, tpl.EmailTypeOption)
	assert.JSONEq(t, `{"company":"Parts Co","country":"CA"}`, string(tpl.Contact))

	require.Len(t, tpl.MergeFields, 2, "FNAME and LNAME are skipped")
	assert.Equal(t, "MAKE", tpl.MergeFields[0].Tag)
	assert.Equal(t, "YEAR", tpl.MergeFields[1].Tag)
	assert.True(t, tpl.MergeFields[0].Public)
}

func TestCreateAll(t *testing.T) {
	mock, c := setup(t)

	tpl, err := LoadTemplate(context.Background(), c, templateID)
	require.NoError(t, err)

	created, err := CreateAll(context.Background(), c, tpl, []string{"Owners 2012", "Owners 2013"})
	require.NoError(t, err)
	require.Len(t, created, 2)

	for _, a := range created {
		l := mock.List(a.ID)
		require.NotNil(t, l, a.ID)
		assert.Equal(t, a.Name, l.Name)
		assert.Equal(t, "Parts Co", l.Contact["company"])
		assert.True(t, l.EmailTypeOption)

		tags := make([]string, 0, len(l.MergeFields))
		for _, f := range l.MergeFields {
			tags = append(tags, f.Tag)
		}
		assert.Equal(t, []string{"FNAME", "LNAME", "MAKE", "YEAR"}, tags)
	}
}

func TestCreate_NotRetried(t *testing.T) {
	mock, c := setup(t)
	calls := 0
	mock.SetHandler(http.MethodPost, "/3.0/lists", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := Create(context.Background(), c, &Template{}, "Owners")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCreate_EmptyName(t *testing.T) {
	_, c := setup(t)
	_, err := Create(context.Background(), c, &Template{}, "")
	assert.Error(t, err)
}

func TestManifest_RoundTrip(t *testing.T) {
	audiences := []Audience{{ID: "a1b2", Name: "Owners 2012"}, {ID: "c3d4", Name: "Owners 2013"}}

	var buf bytes.Buffer
	require.NoError(t, WriteManifest(&buf, "7f3e", audiences))
	assert.Equal(t, "# run 7f3e\nID NAME\na1b2 Owners 2012\nc3d4 Owners 2013\n", buf.String())

	got, err := ReadManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, audiences, got)
}

func TestReadManifest_LegacySpacing(t *testing.T) {
	got, err := ReadManifest(strings.NewReader("ID      NAME\na1b2  Owners 2012\n\n"))
	require.NoError(t, err)
	assert.Equal(t, []Audience{{ID: "a1b2", Name: "Owners 2012"}}, got)
}

func TestReadManifest_MissingName(t *testing.T) {
	_, err := ReadManifest(strings.NewReader("ID NAME\na1b2\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestMemberOperations(t *testing.T) {
	d := dataset.New("Owners", []string{"email_address", "status", "MAKE", "YEAR"})
	d.Rows = [][]string{
		{"a@example.com", "subscribed", "Honda", "2012"},
		{"b@example.com", "", "Ford", "9999"},
	}

	ops, err := MemberOperations("L9", d)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, "POST", ops[0].Method)
	assert.Equal(t, "/lists/L9/members", ops[0].Path)
	assert.Equal(t, "import-1", ops[0].OperationID)
	assert.JSONEq(t, `{"email_address":"a@example.com","status":"subscribed","merge_fields":{"MAKE":"Honda","YEAR":"2012"}}`, ops[0].Body)
	assert.JSONEq(t, `{"email_address":"b@example.com","status":"subscribed","merge_fields":{"MAKE":"Ford","YEAR":"9999"}}`, ops[1].Body)
}

func TestMemberOperations_NoEmailColumn(t *testing.T) {
	d := dataset.New("Owners", []string{"email", "status"})
	_, err := MemberOperations("L9", d)
	assert.ErrorIs(t, err, ErrNoEmailColumn)
}

func TestSubscriberHash(t *testing.T) {
	// md5("urist.mcvankab@freddiesjokes.com")
	want := "62eeb292278cc15f5817cb78f7790b08"
	assert.Equal(t, want, SubscriberHash("urist.mcvankab@freddiesjokes.com"))
	assert.Equal(t, want, SubscriberHash("Urist.McVankab@FreddiesJokes.com"))
	assert.Equal(t, testutil.Member{Email: "Urist.McVankab@FreddiesJokes.com"}.Hash(), SubscriberHash("Urist.McVankab@FreddiesJokes.com"))
}

func TestDeleteMembersOperations(t *testing.T) {
	ops := DeleteMembersOperations("L9", []string{"abc", "def"})
	require.Len(t, ops, 2)
	assert.Equal(t, "/lists/L9/members/abc/actions/delete-permanent", ops[0].Path)
	assert.Equal(t, "POST", ops[1].Method)
	assert.Empty(t, ops[1].Body)
}

func TestImport(t *testing.T) {
	mock, c := setup(t)
	mock.AddList(&testutil.List{ID: "L9", Name: "Owners 2012"})

	path := writeCSV(t, "email_address,status,MAKE,YEAR\na@example.com,subscribed,Honda,2012\nb@example.com,subscribed,Ford,9999\n")

	job, err := importer(c).Import(context.Background(), "L9", path, true)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFinished, job.Status)
	assert.Equal(t, 2, job.FinishedOperations)

	l := mock.List("L9")
	require.Len(t, l.Members, 2)
	assert.Equal(t, "a@example.com", l.Members[0].Email)
	assert.Equal(t, "Honda", l.Members[0].MergeFields["MAKE"])
}

func TestImport_ErroredOperations(t *testing.T) {
	mock, c := setup(t)
	mock.AddList(&testutil.List{ID: "L9", Name: "Owners 2012"})

	path := writeCSV(t, "email_address,status\na@example.com,subscribed\nnot-an-address,subscribed\na@example.com,subscribed\n")

	job, err := importer(c).Import(context.Background(), "L9", path, true)
	require.NotNil(t, job)

	var opsErr *batch.OperationsError
	require.True(t, errors.As(err, &opsErr))
	assert.Equal(t, 2, opsErr.Errored)
	assert.Equal(t, 3, opsErr.Total)
	assert.Len(t, mock.List("L9").Members, 1)
}

func TestImport_EmptyFileSkipped(t *testing.T) {
	mock, c := setup(t)

	path := writeCSV(t, "email_address,status\n")
	job, err := importer(c).Import(context.Background(), "L9", path, true)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Empty(t, mock.Batches())
}

func TestImport_NoWait(t *testing.T) {
	mock, c := setup(t)
	mock.AddList(&testutil.List{ID: "L9", Name: "Owners 2012"})

	path := writeCSV(t, "email_address,status\na@example.com,subscribed\n")
	job, err := importer(c).Import(context.Background(), "L9", path, false)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusPending, job.Status)
	assert.Equal(t, 0, mock.CountRequests("GET", "/3.0/batches/"+job.ID))
}

func TestDeleteMembers(t *testing.T) {
	mock, c := setup(t)
	mock.AddList(&testutil.List{ID: "L9", Name: "Owners 2012", Members: []testutil.Member{
		{Email: "a@example.com", Status: "subscribed"},
		{Email: "B@example.com", Status: "subscribed"},
		{Email: "c@example.com", Status: "subscribed"},
	}})

	path := writeCSV(t, "email_address,status\na@example.com,subscribed\nb@example.com,subscribed\n")
	_, err := importer(c).DeleteMembers(context.Background(), "L9", path, true)
	require.NoError(t, err)

	remaining := mock.List("L9").Members
	require.Len(t, remaining, 1)
	assert.Equal(t, "c@example.com", remaining[0].Email)
}

func TestGet(t *testing.T) {
	_, c := setup(t)
	a, err := Get(context.Background(), c, templateID)
	require.NoError(t, err)
	assert.Equal(t, Audience{ID: templateID, Name: "Template"}, *a)

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"tmpl","name":"Template"}`, string(raw))
}
