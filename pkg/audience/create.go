package audience

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var audiencesCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mc_audiences_created_total",
	Help: "Total number of audiences created from a template",
})

// Audience identifies a list on the platform.
type Audience struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createListRequest struct {
	Name string `json:"name"`
	*Template
}

// Create creates a list called name with the template's settings and merge
// fields. Creation calls are not retried; a failure after the list exists
// returns the list together with the error.
func Create(ctx context.Context, c *client.Client, tpl *Template, name string) (*Audience, error) {
	if name == "" {
		return nil, errors.New("audience name is required")
	}
	logger := log.With().Str("component", "audience").Str("audience", name).Logger()

	var a Audience
	if err := c.PostJSON(client.NoRetry(ctx), "/lists", createListRequest{Name: name, Template: tpl}, &a); err != nil {
		return nil, fmt.Errorf("create audience %q: %w", name, err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("create audience %q: response carries no id", name)
	}
	audiencesCreated.Inc()
	logger.Info().Str("list_id", a.ID).Msg("Audience created")

	path := "/lists/" + url.PathEscape(a.ID) + "/merge-fields"
	for _, f := range tpl.MergeFields {
		if err := c.PostJSON(client.NoRetry(ctx), path, f, nil); err != nil {
			return &a, fmt.Errorf("add merge field %s to %s: %w", f.Tag, a.ID, err)
		}
	}
	logger.Debug().Str("list_id", a.ID).Int("merge_fields", len(tpl.MergeFields)).Msg("Merge fields added")

	return &a, nil
}

// CreateAll creates one audience per name, stopping at the first failure.
// Audiences created before the failure are returned with the error.
func CreateAll(ctx context.Context, c *client.Client, tpl *Template, names []string) ([]Audience, error) {
	created := make([]Audience, 0, len(names))
	for _, name := range names {
		a, err := Create(ctx, c, tpl, name)
		if a != nil {
			created = append(created, *a)
		}
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// Get returns the list's id and name.
func Get(ctx context.Context, c *client.Client, listID string) (*Audience, error) {
	var a Audience
	query := url.Values{"fields": {"id,name"}}
	if err := c.GetJSON(ctx, "/lists/"+url.PathEscape(listID), query, &a); err != nil {
		return nil, fmt.Errorf("get audience %s: %w", listID, err)
	}
	return &a, nil
}
