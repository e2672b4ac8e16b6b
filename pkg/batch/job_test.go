package batch

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestStatus_Predicates(t *testing.T) {
	tests := []struct {
		status   Status
		known    bool
		finished bool
		failed   bool
	}{
		{StatusPending, true, false, false},
		{StatusPreprocessing, true, false, false},
		{StatusStarted, true, false, false},
		{StatusFinalizing, true, false, false},
		{StatusFinished, true, true, false},
		{StatusFailed, true, false, true},
		{StatusError, true, false, true},
		{Status("queued"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Known(); got != tt.known {
				t.Errorf("Known() = %v, want %v", got, tt.known)
			}
			if got := tt.status.Finished(); got != tt.finished {
				t.Errorf("Finished() = %v, want %v", got, tt.finished)
			}
			if got := tt.status.Failed(); got != tt.failed {
				t.Errorf("Failed() = %v, want %v", got, tt.failed)
			}
			if got := tt.status.Terminal(); got != (tt.finished || tt.failed) {
				t.Errorf("Terminal() = %v", got)
			}
		})
	}
}

func TestStatus_RegressedFrom(t *testing.T) {
	tests := []struct {
		prev, next Status
		expected   bool
	}{
		{StatusPending, StatusStarted, false},
		{StatusStarted, StatusStarted, false},
		{StatusStarted, StatusPending, true},
		{StatusFinalizing, StatusPreprocessing, true},
		{StatusStarted, Status("queued"), false},
		{StatusStarted, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.prev)+"->"+string(tt.next), func(t *testing.T) {
			if got := tt.next.regressedFrom(tt.prev); got != tt.expected {
				t.Errorf("regressedFrom() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestJob_UnmarshalTimestamps(t *testing.T) {
	raw := `{
		"id": "123abc",
		"status": "started",
		"total_operations": 2,
		"finished_operations": 1,
		"errored_operations": 0,
		"submitted_at": "2015-07-15T19:28:00+00:00",
		"completed_at": "",
		"response_body_url": ""
	}`

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := time.Date(2015, 7, 15, 19, 28, 0, 0, time.UTC)
	if !job.SubmittedAt.Equal(want) {
		t.Errorf("SubmittedAt = %v, want %v", job.SubmittedAt, want)
	}
	if !job.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero", job.CompletedAt)
	}
	if job.Status != StatusStarted {
		t.Errorf("Status = %q", job.Status)
	}
}

func TestTimestamp_MarshalZero(t *testing.T) {
	b, err := json.Marshal(Timestamp{})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `""` {
		t.Errorf("Marshal(zero) = %s, want \"\"", b)
	}
}

func TestJob_Err(t *testing.T) {
	ok := &Job{ID: "b1", Status: StatusFinished, TotalOperations: 4, FinishedOperations: 4}
	if err := ok.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}

	partial := &Job{ID: "b2", Status: StatusFinished, TotalOperations: 4, FinishedOperations: 4, ErroredOperations: 1}
	err := partial.Err()

	var opsErr *OperationsError
	if !errors.As(err, &opsErr) {
		t.Fatalf("Err() = %v, want *OperationsError", err)
	}
	if opsErr.Errored != 1 || opsErr.Total != 4 || opsErr.JobID != "b2" {
		t.Errorf("OperationsError = %+v", opsErr)
	}
	if got := err.Error(); got != "batch b2: 1 of 4 operations errored (4 finished)" {
		t.Errorf("Error() = %q", got)
	}
}
