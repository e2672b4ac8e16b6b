package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL applies when a response carries no caching headers; the
// marketing API rarely sends any.
const DefaultTTL = 5 * time.Minute

// ErrNotCacheable is returned for responses that must not be stored.
var ErrNotCacheable = errors.New("response not cacheable")

// Entry is a stored response body.
type Entry struct {
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type,omitempty"`
	StatusCode  int       `json:"status_code"`
	StoredAt    time.Time `json:"stored_at"`
	Expires     time.Time `json:"expires"`
}

// TTL returns the remaining lifetime, or 0 once expired.
func (e *Entry) TTL() time.Duration {
	if d := time.Until(e.Expires); d > 0 {
		return d
	}
	return 0
}

// FromResponse captures a 200 response for caching and restores its body
// for the caller. Responses marked no-store yield ErrNotCacheable; their
// body is left untouched.
func FromResponse(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", ErrNotCacheable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrNotCacheable, resp.StatusCode)
	}
	cc := resp.Header.Get("Cache-Control")
	if hasDirective(cc, "no-store") {
		return nil, fmt.Errorf("%w: no-store", ErrNotCacheable)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	now := time.Now()
	return &Entry{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		StoredAt:    now,
		Expires:     expiry(now, resp.Header),
	}, nil
}

// Response rebuilds an HTTP response from the entry.
func (e *Entry) Response() *http.Response {
	header := http.Header{"X-Cache": {"HIT"}}
	if e.ContentType != "" {
		header.Set("Content-Type", e.ContentType)
	}
	header.Set("Age", strconv.Itoa(int(time.Since(e.StoredAt).Seconds())))

	return &http.Response{
		Status:        strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

// expiry derives the expiry from Cache-Control max-age, then Expires,
// falling back to DefaultTTL.
func expiry(now time.Time, h http.Header) time.Time {
	if maxAge, ok := maxAge(h.Get("Cache-Control")); ok {
		return now.Add(maxAge)
	}

	v := h.Get("Expires")
	if v == "" {
		return now.Add(DefaultTTL)
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return now.Add(DefaultTTL)
	}
	if at.Before(now) {
		return now
	}
	return at
}

func maxAge(cacheControl string) (time.Duration, bool) {
	for _, d := range strings.Split(cacheControl, ",") {
		v, ok := strings.CutPrefix(strings.TrimSpace(d), "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

func hasDirective(cacheControl, directive string) bool {
	for _, d := range strings.Split(cacheControl, ",") {
		if strings.EqualFold(strings.TrimSpace(d), directive) {
			return true
		}
	}
	return false
}
