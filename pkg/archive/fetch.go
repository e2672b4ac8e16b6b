// Package archive downloads batch result archives and unpacks them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrIncompleteTransfer indicates fewer bytes arrived than the server declared.
	ErrIncompleteTransfer = errors.New("incomplete transfer")

	archiveBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mc_archive_bytes_total",
		Help: "Total bytes of result archives downloaded",
	})

	archiveDownloadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mc_archive_download_seconds",
		Help:    "Result archive download duration",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

// progressStep is how often, in bytes, download progress is logged.
const progressStep = 1 << 20

// Fetcher downloads result archives.
//
// Result locations are pre-signed storage URLs, so the Fetcher uses its own
// HTTP client and never sends the API credential.
type Fetcher struct {
	httpClient *http.Client
	retry      client.RetryConfig
	logger     zerolog.Logger
}

// NewFetcher creates a fetcher. A nil httpClient uses one with a 10 minute timeout.
func NewFetcher(httpClient *http.Client, retry client.RetryConfig) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Fetcher{
		httpClient: httpClient,
		retry:      retry,
		logger:     log.With().Str("component", "archive-fetcher").Logger(),
	}
}

// FileName returns the archive's file name as it appears in rawURL, without
// the query string ("6a5b-response.tar.gz").
func FileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "response"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "response"
	}
	return name
}

// Fetch streams the archive at rawURL into dest and returns the number of
// bytes written. The transfer is verified against Content-Length when the
// server declares one. Transient failures restart the download from scratch.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	if rawURL == "" {
		return 0, fmt.Errorf("result location is empty")
	}

	start := time.Now()
	var written int64

	err := client.Retry(ctx, f.retry, func() error {
		n, err := f.download(ctx, rawURL, dest)
		written = n
		return err
	})
	if err != nil {
		_ = os.Remove(dest)
		return 0, err
	}

	archiveDownloadSeconds.Observe(time.Since(start).Seconds())
	f.logger.Info().
		Str("file", dest).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("Archive downloaded")

	return written, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, client.NetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, &client.APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: client.ClassifyStatus(resp.StatusCode),
			Message:    "download result archive: " + resp.Status,
		}
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	pw := &progressWriter{total: resp.ContentLength, logger: f.logger.With().Str("file", path.Base(dest)).Logger()}
	n, err := io.Copy(out, io.TeeReader(resp.Body, pw))
	archiveBytesTotal.Add(float64(n))
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return n, client.NetworkError(fmt.Errorf("%w: connection closed after %d of %d bytes: %w", ErrIncompleteTransfer, n, resp.ContentLength, err))
		}
		return n, client.NetworkError(fmt.Errorf("read body after %d bytes: %w", n, err))
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, client.NetworkError(fmt.Errorf("%w: received %d of %d bytes", ErrIncompleteTransfer, n, resp.ContentLength))
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", dest, err)
	}

	return n, nil
}

// progressWriter logs bytes received against the declared length.
type progressWriter struct {
	total   int64
	written int64
	next    int64
	logger  zerolog.Logger
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.written >= p.next {
		event := p.logger.Debug().Int64("bytes", p.written)
		if p.total > 0 {
			event = event.
				Int64("total_bytes", p.total).
				Float64("progress_pct", float64(p.written)/float64(p.total)*100)
		}
		event.Msg("Download progress")
		p.next = p.written + progressStep
	}
	return len(b), nil
}
