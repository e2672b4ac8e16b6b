package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig(baseURL, "0123456789abcdef-us6")
	cfg.MaxRetries = 3
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing base url", func(c *Config) { c.BaseURL = "" }, true},
		{"missing api key", func(c *Config) { c.APIKey = "" }, true},
		{"missing user agent", func(c *Config) { c.UserAgent = "" }, true},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://localhost")
			tt.mutate(&cfg)
			_, err := New(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDo_SetsAuthAndHeaders(t *testing.T) {
	var gotUser, gotPass, gotUA string
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotAuth = r.BasicAuth()
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/lists/abc", nil, &out))

	assert.Equal(t, "abc", out.ID)
	assert.True(t, gotAuth, "basic auth should be set")
	assert.Equal(t, "anystring", gotUser)
	assert.Equal(t, "0123456789abcdef-us6", gotPass)
	assert.Equal(t, "mailchimp-audience-sync/0.1.0", gotUA)
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"title":"Resource Not Found","status":404,"detail":"The requested resource could not be found."}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), "/lists/missing", nil, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, ErrorClassClient, apiErr.ErrorClass)
	assert.Equal(t, "Resource Not Found", apiErr.Title)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"finished"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.GetJSON(context.Background(), "/batches/b1", nil, &out))
	assert.Equal(t, "finished", out["status"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_RetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	err = c.GetJSON(context.Background(), "/batches/b1", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, ErrorClassServer, ClassOf(err))
}

func TestPostJSON_BodyRewoundOnRetry(t *testing.T) {
	var calls atomic.Int32
	bodies := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"id":"batch-1","status":"pending"}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	in := map[string]any{"operations": []map[string]string{{"method": "GET", "path": "/lists/a"}}}
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.PostJSON(context.Background(), "/batches", in, &out))
	assert.Equal(t, "batch-1", out.ID)

	close(bodies)
	var seen []string
	for b := range bodies {
		seen = append(seen, b)
	}
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1], "retried request must carry the same body")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(seen[1]), &decoded))
	assert.Contains(t, decoded, "operations")
}

func TestDo_RateLimitRecordsThrottle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Redis = rdb
	c, err := New(cfg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, c.GetJSON(context.Background(), "/lists/a", nil, nil))

	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond, "retry must honour Retry-After")
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, mr.Exists("mc:throttle:blocked_until"), "throttle window should be recorded in redis")
}

func TestGetCachedJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte(`{"id":"42","name":"Ford owners","member_count":950}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Redis = rdb
	cfg.Account = "us6"
	c, err := New(cfg)
	require.NoError(t, err)

	type segment struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		MemberCount int    `json:"member_count"`
	}

	for i := 0; i < 2; i++ {
		var s segment
		require.NoError(t, c.GetCachedJSON(context.Background(), "/lists/l1/segments/42", url.Values{"fields": {"id,name,member_count"}}, &s))
		assert.Equal(t, segment{ID: "42", Name: "Ford owners", MemberCount: 950}, s)
	}

	assert.Equal(t, int32(1), calls.Load(), "second lookup should be served from cache")
}

func TestPostJSON_InvalidatesCachedEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		_, _ = w.Write([]byte(`{"merge_fields":[],"total_items":0}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Redis = rdb
	cfg.Account = "us6"
	c, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	query := url.Values{"count": {"100"}, "offset": {"0"}}
	require.NoError(t, c.GetCachedJSON(ctx, "/lists/l1/merge-fields", query, nil))
	require.NoError(t, c.GetCachedJSON(ctx, "/lists/l1/merge-fields", query, nil))
	assert.Equal(t, int32(1), gets.Load())

	require.NoError(t, c.PostJSON(ctx, "/lists/l1/merge-fields", map[string]string{"tag": "YEAR"}, nil))

	require.NoError(t, c.GetCachedJSON(ctx, "/lists/l1/merge-fields", query, nil))
	assert.Equal(t, int32(2), gets.Load(), "write drops the cached merge fields")
}

func TestGetCachedJSON_NoStoreNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(`{"id":"l1"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Redis = rdb
	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		var out struct{ ID string }
		require.NoError(t, c.GetCachedJSON(context.Background(), "/lists/l1", nil, &out))
		assert.Equal(t, "l1", out.ID)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetCachedJSON_NoRedisFallsThrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	require.NoError(t, c.GetCachedJSON(context.Background(), "/lists/l1", nil, nil))
	require.NoError(t, c.GetCachedJSON(context.Background(), "/lists/l1", nil, nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = c.GetJSON(ctx, "/lists/a", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrContextCancelled), "got %v", err)
}

func TestURL(t *testing.T) {
	c, err := New(testConfig("https://us6.api.mailchimp.com/3.0/"))
	require.NoError(t, err)

	assert.Equal(t, "https://us6.api.mailchimp.com/3.0/batches", c.URL("/batches", nil))
	assert.Equal(t, "https://us6.api.mailchimp.com/3.0/batches?count=10&offset=20",
		c.URL("batches", url.Values{"offset": {"20"}, "count": {"10"}}))
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/3.0/batches", "/3.0/batches"},
		{"/3.0/batches/6a5b", "/3.0/batches/{id}"},
		{"/3.0/lists/8adf/segments/42/members", "/3.0/lists/{id}/segments/{id}/members"},
		{"/3.0/lists/8adf/members/9e10/actions/delete-permanent", "/3.0/lists/{id}/members/{id}/actions/delete-permanent"},
		{"/3.0/lists/8adf/merge-fields", "/3.0/lists/{id}/merge-fields"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := NormalizeEndpoint(tt.path); got != tt.expected {
				t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}

func TestDo_NoRetryContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	err = c.PostJSON(NoRetry(context.Background()), "/batches", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrorClassServer, ClassOf(err))
	assert.Equal(t, int32(1), calls.Load())
}
