package audience

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/member"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoEmailColumn indicates a member file lacks the email_address column.
var ErrNoEmailColumn = errors.New("no email_address column")

// DefaultStatus applies to imported rows without a status column.
const DefaultStatus = "subscribed"

type memberBody struct {
	EmailAddress string            `json:"email_address"`
	Status       string            `json:"status"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
}

// MemberOperations turns every row of d into a member creation operation.
// email_address and status go top-level, every other column into merge_fields.
func MemberOperations(listID string, d *dataset.Dataset) ([]batch.Operation, error) {
	emailCol := d.Column(member.FieldEmailAddress)
	if emailCol < 0 {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrNoEmailColumn)
	}
	statusCol := d.Column(member.FieldStatus)

	path := "/lists/" + url.PathEscape(listID) + "/members"
	ops := make([]batch.Operation, 0, d.Len())
	for i, row := range d.Rows {
		body := memberBody{
			EmailAddress: row[emailCol],
			Status:       DefaultStatus,
			MergeFields:  make(map[string]string, len(row)),
		}
		if statusCol >= 0 && row[statusCol] != "" {
			body.Status = row[statusCol]
		}
		for j, v := range row {
			if j == emailCol || j == statusCol {
				continue
			}
			body.MergeFields[d.Header[j]] = v
		}

		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode member %s: %w", body.EmailAddress, err)
		}
		ops = append(ops, batch.Operation{
			Method:      http.MethodPost,
			Path:        path,
			Body:        string(raw),
			OperationID: "import-" + strconv.Itoa(i+1),
		})
	}
	return ops, nil
}

// SubscriberHash returns the platform's member id: the lowercase hex MD5 of
// the lowercased address.
func SubscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// DeleteMembersOperations builds permanent-delete operations for members
// identified by subscriber hash.
func DeleteMembersOperations(listID string, hashes []string) []batch.Operation {
	ops := make([]batch.Operation, 0, len(hashes))
	for _, h := range hashes {
		ops = append(ops, batch.Operation{
			Method:      http.MethodPost,
			Path:        "/lists/" + url.PathEscape(listID) + "/members/" + h + "/actions/delete-permanent",
			OperationID: "delete-" + h,
		})
	}
	return ops
}

// Importer submits member batches against lists.
type Importer struct {
	submitter *batch.Submitter
	poller    *batch.Poller
	logger    zerolog.Logger
}

// NewImporter creates an importer. poller may be nil when jobs are never
// waited for.
func NewImporter(submitter *batch.Submitter, poller *batch.Poller) *Importer {
	return &Importer{
		submitter: submitter,
		poller:    poller,
		logger:    log.With().Str("component", "audience-import").Logger(),
	}
}

// Import submits one creation operation per row of the CSV at csvPath.
// An empty file submits nothing and returns a nil job. With wait set the
// job is polled to completion and errored operations are reported as a
// *batch.OperationsError next to the job.
func (im *Importer) Import(ctx context.Context, listID, csvPath string, wait bool) (*batch.Job, error) {
	d, err := dataset.ReadCSV(csvPath)
	if err != nil {
		return nil, err
	}
	if d.Len() == 0 {
		im.logger.Info().Str("list_id", listID).Str("file", csvPath).Msg("Member file is empty - nothing to import")
		return nil, nil
	}

	ops, err := MemberOperations(listID, d)
	if err != nil {
		return nil, err
	}
	return im.run(ctx, listID, ops, wait)
}

// DeleteMembers permanently removes the members whose addresses appear in
// the email_address column of the CSV at csvPath.
func (im *Importer) DeleteMembers(ctx context.Context, listID, csvPath string, wait bool) (*batch.Job, error) {
	d, err := dataset.ReadCSV(csvPath)
	if err != nil {
		return nil, err
	}
	col := d.Column(member.FieldEmailAddress)
	if col < 0 {
		return nil, fmt.Errorf("%s: %w", d.Name, ErrNoEmailColumn)
	}
	if d.Len() == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, d.Len())
	for _, row := range d.Rows {
		hashes = append(hashes, SubscriberHash(row[col]))
	}
	return im.run(ctx, listID, DeleteMembersOperations(listID, hashes), wait)
}

func (im *Importer) run(ctx context.Context, listID string, ops []batch.Operation, wait bool) (*batch.Job, error) {
	job, err := im.submitter.Submit(ctx, ops)
	if err != nil {
		return nil, err
	}
	im.logger.Info().
		Str("list_id", listID).
		Str("batch_id", job.ID).
		Int("operations", len(ops)).
		Msg("Member batch submitted")

	if !wait || im.poller == nil {
		return job, nil
	}

	job, err = im.poller.Wait(ctx, job.ID)
	if err != nil {
		return job, err
	}
	return job, job.Err()
}
