package external

import (
	"context"
	"net/url"
)

// EuropePMCClient counts literature hits
type EuropePMCClient struct {
	client *Client
}

// NewEuropePMCClient creates a Europe PMC adapter
func NewEuropePMCClient(client *Client) *EuropePMCClient {
	return &EuropePMCClient{client: client}
}

type europePMCSearch struct {
	Version  string `json:"version"`
	HitCount int    `json:"hitCount"`
}

// Count returns the number of papers matching query. Zero hits is a
// present answer, not missing data.
func (e *EuropePMCClient) Count(ctx context.Context, query string) (*int, error) {
	var resp europePMCSearch
	found, err := e.client.GetJSON(ctx, "/europepmc/webservices/rest/search", url.Values{
		"query":      {query},
		"format":     {"json"},
		"resultType": {"idlist"},
		"pageSize":   {"1"},
	}, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	n := resp.HitCount
	return &n, nil
}
