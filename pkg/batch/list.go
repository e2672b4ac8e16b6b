package batch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
)

// DefaultListPageSize is the page size used when listing jobs.
const DefaultListPageSize = 100

type listResponse struct {
	Batches    []Job `json:"batches"`
	TotalItems int   `json:"total_items"`
}

// List returns every batch job known to the account, walking the collection
// in pages of pageSize.
func List(ctx context.Context, c *client.Client, pageSize int) ([]Job, error) {
	if pageSize <= 0 {
		pageSize = DefaultListPageSize
	}

	var jobs []Job
	for offset := 0; ; offset += pageSize {
		query := url.Values{
			"count":  {strconv.Itoa(pageSize)},
			"offset": {strconv.Itoa(offset)},
		}

		var page listResponse
		if err := c.GetJSON(ctx, "/batches", query, &page); err != nil {
			return jobs, fmt.Errorf("list batches at offset %d: %w", offset, err)
		}
		jobs = append(jobs, page.Batches...)

		if len(page.Batches) == 0 || len(jobs) >= page.TotalItems {
			return jobs, nil
		}
	}
}
