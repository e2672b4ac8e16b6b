package cache

import (
	"net/url"
	"strings"
)

const keyPrefix = "mc"

// Key identifies a cached response.
type Key struct {
	// Account is usually the data center of the API key.
	Account string

	// Endpoint is the API path relative to the version root.
	Endpoint string

	// Query holds the request's query parameters.
	Query url.Values
}

// String returns the Redis key. Query parameters are encoded in sorted order.
func (k Key) String() string {
	s := k.resource()
	if len(k.Query) > 0 {
		s += "?" + k.Query.Encode()
	}
	return s
}

// resource is the key without its query, shared by every cached variant of
// the endpoint.
func (k Key) resource() string {
	parts := []string{keyPrefix}
	if k.Account != "" {
		parts = append(parts, k.Account)
	}
	if endpoint := strings.Trim(k.Endpoint, "/"); endpoint != "" {
		parts = append(parts, endpoint)
	}
	return strings.Join(parts, ":")
}

// variants matches every query variant of the endpoint.
func (k Key) variants() string {
	return escapeGlob(k.resource()) + `\?*`
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`).Replace(s)
}
