// Package batch submits bulk operations to the platform and follows them to
// completion.
//
// A batch job moves through pending → preprocessing → started → finalizing →
// finished. The platform never pushes state; the Poller pulls it on a fixed
// interval until the job is finished or reports a hard failure.
package batch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSubmission wraps any rejection of a batch payload.
	ErrSubmission = errors.New("batch submission failed")

	// ErrJobFailed indicates the platform reported a terminal failure for the job.
	ErrJobFailed = errors.New("batch job failed")

	// ErrPollTimeout indicates the job did not finish within the poll bounds.
	ErrPollTimeout = errors.New("batch poll timeout")

	// ErrStatusRegression indicates the reported status moved backwards.
	ErrStatusRegression = errors.New("batch status regressed")
)

// Status is the lifecycle state of a batch job.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPreprocessing Status = "preprocessing"
	StatusStarted       Status = "started"
	StatusFinalizing    Status = "finalizing"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusError         Status = "error"
)

var statusRank = map[Status]int{
	StatusPending:       0,
	StatusPreprocessing: 1,
	StatusStarted:       2,
	StatusFinalizing:    3,
	StatusFinished:      4,
	StatusFailed:        4,
	StatusError:         4,
}

// Known reports whether s is a status this package understands.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Finished reports whether the job completed and its results are available.
func (s Status) Finished() bool {
	return s == StatusFinished
}

// Failed reports whether the platform gave up on the job.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusError
}

// Terminal reports whether no further transition will happen.
func (s Status) Terminal() bool {
	return s.Finished() || s.Failed()
}

// regressedFrom reports whether moving from prev to s goes backwards.
// Unknown statuses never count as a regression.
func (s Status) regressedFrom(prev Status) bool {
	r, ok := statusRank[s]
	p, okPrev := statusRank[prev]
	return ok && okPrev && r < p
}

// Operation is one API call bundled into a batch job.
type Operation struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Params      map[string]string `json:"params,omitempty"`
	Body        string            `json:"body,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
}

// Timestamp decodes the platform's RFC 3339 timestamps, treating "" and null
// as the zero time.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if s := string(b); s == `""` || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	return t.Time.UnmarshalJSON(b)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return t.Time.MarshalJSON()
}

// Job is the platform's view of a submitted batch.
type Job struct {
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	TotalOperations    int       `json:"total_operations"`
	FinishedOperations int       `json:"finished_operations"`
	ErroredOperations  int       `json:"errored_operations"`
	SubmittedAt        Timestamp `json:"submitted_at"`
	CompletedAt        Timestamp `json:"completed_at"`
	ResponseBodyURL    string    `json:"response_body_url"`
}

// Err returns an *OperationsError when any operation of a finished job
// errored. A finished status alone does not mean every operation succeeded.
func (j *Job) Err() error {
	if j.ErroredOperations == 0 {
		return nil
	}
	return &OperationsError{
		JobID:    j.ID,
		Total:    j.TotalOperations,
		Finished: j.FinishedOperations,
		Errored:  j.ErroredOperations,
	}
}

// OperationsError reports individual operation failures inside a batch job.
type OperationsError struct {
	JobID    string
	Total    int
	Finished int
	Errored  int
}

func (e *OperationsError) Error() string {
	return fmt.Sprintf("batch %s: %d of %d operations errored (%d finished)", e.JobID, e.Errored, e.Total, e.Finished)
}
