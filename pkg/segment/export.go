package segment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/archive"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/batch"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/dataset"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/member"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/pagination"
	"github.com/Sternrassler/mailchimp-audience-sync/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_segment_pages_exported_total",
		Help: "Total number of segment pages exported",
	})

	rowsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_segment_rows_exported_total",
		Help: "Total number of member rows written to segment exports",
	})
)

// Config configures an Exporter.
type Config struct {
	// ListID is the list the segments belong to.
	ListID string

	// WorkDir receives part files and the final CSV.
	WorkDir string

	// PageDelay separates successive page retrievals.
	PageDelay time.Duration

	// Schema is the column layout of exported members.
	Schema member.Schema
}

// Options tune a single export.
type Options struct {
	// PageSize overrides the stepped page size when positive.
	PageSize int

	// Offset and Counter resume an export at a given member offset and part
	// number. Parts before Counter must already exist in the work directory.
	Offset  int
	Counter int
}

// Result describes a finished export.
type Result struct {
	Segment Info
	Pages   int
	Rows    int
	Path    string
}

// Exporter retrieves segment members page by page through batch jobs.
type Exporter struct {
	client       *client.Client
	submitter    *batch.Submitter
	poller       *batch.Poller
	fetcher      *archive.Fetcher
	materializer *member.Materializer
	walker       *pagination.Walker
	config       Config
	logger       zerolog.Logger
}

// NewExporter wires an exporter.
func NewExporter(c *client.Client, poller *batch.Poller, fetcher *archive.Fetcher, cfg Config) *Exporter {
	return &Exporter{
		client:       c,
		submitter:    batch.NewSubmitter(c),
		poller:       poller,
		fetcher:      fetcher,
		materializer: member.NewMaterializer(cfg.Schema),
		walker:       pagination.NewWalker(ratelimit.NewPacer("segment_page", cfg.PageDelay)),
		config:       cfg,
		logger:       log.With().Str("component", "segment-exporter").Str("list_id", cfg.ListID).Logger(),
	}
}

// Info returns the platform's metadata for a segment of the configured list.
func (e *Exporter) Info(ctx context.Context, segmentID string) (*Info, error) {
	return lookup(ctx, e.client, e.config.ListID, segmentID)
}

// Export writes all members of the target segment to <name>.csv in the work
// directory. A segment without members yields a header-only file and no
// batch is submitted.
func (e *Exporter) Export(ctx context.Context, t Target, opts Options) (*Result, error) {
	info, err := e.Info(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if err := checkName(t, info); err != nil {
		return nil, err
	}

	logger := e.logger.With().Str("segment", info.Name).Logger()
	out := filepath.Join(e.config.WorkDir, dataset.FileName(info.Name))
	result := &Result{Segment: *info, Path: out}

	if info.MemberCount == 0 {
		logger.Info().Msg("Segment has no members - skipping retrieval")
		if err := dataset.New(info.Name, e.config.Schema.Header()).WriteCSV(out); err != nil {
			return nil, fmt.Errorf("write %s: %w", out, err)
		}
		return result, nil
	}

	size := opts.PageSize
	if size <= 0 {
		size = pagination.PageSize(info.MemberCount)
	}
	first := opts.Counter
	if first < 1 {
		first = 1
	}
	pages := pagination.PagesFrom(info.MemberCount, size, opts.Offset, first)
	total := first - 1 + len(pages)

	logger.Info().
		Int("members", info.MemberCount).
		Int("page_size", size).
		Int("pages", total).
		Int("offset", opts.Offset).
		Msg("Exporting segment")

	slug := Slug(info.Name)
	partPaths := make([]string, 0, total)
	for n := 1; n < first; n++ {
		partPaths = append(partPaths, e.partPath(slug, n))
	}

	err = e.walker.Walk(ctx, pages, func(ctx context.Context, p pagination.Page) error {
		path, err := e.exportPage(ctx, t.ID, slug, p)
		if err != nil {
			return err
		}
		partPaths = append(partPaths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export segment %q: %w", info.Name, err)
	}

	merged, err := dataset.ConcatFiles(info.Name, partPaths...)
	if err != nil {
		return nil, fmt.Errorf("merge parts of %q: %w", info.Name, err)
	}
	if err := merged.WriteCSV(out); err != nil {
		return nil, fmt.Errorf("write %s: %w", out, err)
	}

	for _, p := range partPaths {
		if err := os.Remove(p); err != nil {
			logger.Warn().Err(err).Str("file", p).Msg("Failed to remove part file")
		}
	}

	if merged.Len() != info.MemberCount {
		logger.Warn().
			Int("rows", merged.Len()).
			Int("members", info.MemberCount).
			Msg("Exported row count differs from segment member count")
	}

	result.Pages = total
	result.Rows = merged.Len()
	logger.Info().
		Int("rows", result.Rows).
		Int("pages", result.Pages).
		Str("file", out).
		Msg("Segment exported")

	return result, nil
}

func (e *Exporter) partPath(slug string, n int) string {
	return filepath.Join(e.config.WorkDir, dataset.FileName(partName(slug, n)))
}

func partName(slug string, n int) string {
	return slug + "-part-" + strconv.Itoa(n)
}

// exportPage runs one retrieval batch and writes its members to a part CSV.
// The downloaded archive and its extraction are removed afterwards.
func (e *Exporter) exportPage(ctx context.Context, segmentID, slug string, p pagination.Page) (string, error) {
	name := partName(slug, p.Number)
	logger := e.logger.With().Str("segment", slug).Int("page", p.Number).Int("offset", p.Offset).Logger()

	op := batch.Operation{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/lists/%s/segments/%s/members", e.config.ListID, segmentID),
		Params: map[string]string{
			"count":  strconv.Itoa(p.Count),
			"offset": strconv.Itoa(p.Offset),
		},
		OperationID: name,
	}

	job, err := e.submitter.Submit(ctx, []batch.Operation{op})
	if err != nil {
		return "", err
	}
	job, err = e.poller.Wait(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if err := job.Err(); err != nil {
		return "", err
	}

	archivePath := filepath.Join(e.config.WorkDir, name+"-"+archive.FileName(job.ResponseBodyURL))
	extractDir := filepath.Join(e.config.WorkDir, name)
	defer func() {
		if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Msg("Failed to remove archive")
		}
	}()

	if _, err := e.fetcher.Fetch(ctx, job.ResponseBodyURL, archivePath); err != nil {
		return "", fmt.Errorf("fetch result of batch %s: %w", job.ID, err)
	}
	if _, err := archive.Unpack(archivePath, extractDir); err != nil {
		return "", err
	}
	defer func() {
		if err := os.RemoveAll(extractDir); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove extraction")
		}
	}()

	records, err := e.materializer.Materialize(extractDir, op.OperationID)
	if err != nil {
		return "", fmt.Errorf("materialize batch %s: %w", job.ID, err)
	}
	if len(records) != p.Count {
		logger.Warn().
			Int("records", len(records)).
			Int("expected", p.Count).
			Msg("Page returned a different number of members than requested")
	}

	part := dataset.FromRecords(name, e.materializer.Schema(), records)
	path := e.partPath(slug, p.Number)
	if err := part.WriteCSV(path); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	pagesExported.Inc()
	rowsExported.Add(float64(part.Len()))
	logger.Info().
		Str("batch_id", job.ID).
		Int("rows", part.Len()).
		Msg("Page exported")

	return path, nil
}
