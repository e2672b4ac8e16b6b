package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Submitter posts batch payloads.
type Submitter struct {
	client *client.Client
	logger zerolog.Logger
}

// NewSubmitter creates a submitter using c.
func NewSubmitter(c *client.Client) *Submitter {
	return &Submitter{
		client: c,
		logger: log.With().Str("component", "batch-submitter").Logger(),
	}
}

type submitRequest struct {
	Operations []Operation `json:"operations"`
}

// Submit sends ops as a single batch job and returns the job as accepted.
// Rejections and transport failures are wrapped in ErrSubmission and are not
// retried: a resubmitted batch would run twice.
func (s *Submitter) Submit(ctx context.Context, ops []Operation) (*Job, error) {
	if err := validate(ops); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	var job Job
	if err := s.client.PostJSON(client.NoRetry(ctx), "/batches", submitRequest{Operations: ops}, &job); err != nil {
		s.logger.Error().Err(err).Int("operations", len(ops)).Msg("Batch submission rejected")
		return nil, fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: response carries no batch id", ErrSubmission)
	}

	batchesSubmitted.Inc()
	batchOperationsSubmitted.Add(float64(len(ops)))

	s.logger.Info().
		Str("batch_id", job.ID).
		Str("status", string(job.Status)).
		Int("operations", len(ops)).
		Msg("Batch submitted")

	return &job, nil
}

func validate(ops []Operation) error {
	if len(ops) == 0 {
		return fmt.Errorf("no operations")
	}
	for i, op := range ops {
		if op.Method == "" {
			return fmt.Errorf("operation %d: method is required", i)
		}
		if !strings.HasPrefix(op.Path, "/") {
			return fmt.Errorf("operation %d: path %q must be absolute", i, op.Path)
		}
	}
	return nil
}
