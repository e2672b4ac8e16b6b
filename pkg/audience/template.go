// Package audience creates audiences from a template list, records them in a
// run manifest, and imports or removes members through batch operations.
package audience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Sternrassler/mailchimp-audience-sync/pkg/client"
)

// defaultTags are merge fields every new list already carries.
var defaultTags = map[string]bool{"FNAME": true, "LNAME": true}

const mergeFieldPageSize = 100

// MergeField is a custom member attribute of a list.
type MergeField struct {
	Tag          string          `json:"tag"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Public       bool            `json:"public"`
	Required     bool            `json:"required,omitempty"`
	DefaultValue string          `json:"default_value,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// Template holds the settings copied from a template list onto new lists.
// Settings objects are kept verbatim.
type Template struct {
	ListID             string          `json:"-"`
	Contact            json.RawMessage `json:"contact"`
	PermissionReminder string          `json:"permission_reminder"`
	CampaignDefaults   json.RawMessage `json:"campaign_defaults"`
	EmailTypeOption    bool            `json:"email_type_option"`
	MergeFields        []MergeField    `json:"-"`
}

type mergeFieldsResponse struct {
	MergeFields []MergeField `json:"merge_fields"`
	TotalItems  int          `json:"total_items"`
}

// LoadTemplate reads list settings and merge fields of listID. FNAME and
// LNAME are left out since new lists are created with them.
func LoadTemplate(ctx context.Context, c *client.Client, listID string) (*Template, error) {
	tpl := &Template{ListID: listID}
	path := "/lists/" + url.PathEscape(listID)
	query := url.Values{"fields": {"contact,permission_reminder,campaign_defaults,email_type_option"}}
	if err := c.GetCachedJSON(ctx, path, query, tpl); err != nil {
		return nil, fmt.Errorf("get template list %s: %w", listID, err)
	}

	for offset := 0; ; offset += mergeFieldPageSize {
		var page mergeFieldsResponse
		q := url.Values{
			"count":  {strconv.Itoa(mergeFieldPageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		if err := c.GetCachedJSON(ctx, path+"/merge-fields", q, &page); err != nil {
			return nil, fmt.Errorf("get merge fields of %s: %w", listID, err)
		}
		for _, f := range page.MergeFields {
			if defaultTags[f.Tag] {
				continue
			}
			f.Public = true
			tpl.MergeFields = append(tpl.MergeFields, f)
		}
		if len(page.MergeFields) == 0 || offset+len(page.MergeFields) >= page.TotalItems {
			break
		}
	}

	return tpl, nil
}
