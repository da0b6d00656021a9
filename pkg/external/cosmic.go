package external

import (
	"context"
	"net/url"

	"github.com/target-evidence-core/internal/domain"
)

// COSMICClient reads somatic mutation frequencies
type COSMICClient struct {
	client *Client
}

// NewCOSMICClient creates a COSMIC adapter
func NewCOSMICClient(client *Client) *COSMICClient {
	return &COSMICClient{client: client}
}

// COSMICFrequencyResponse is the per-gene mutation frequency in one tumor type
type COSMICFrequencyResponse struct {
	Gene           string `json:"gene_name"`
	PrimarySite    string `json:"primary_site"`
	MutatedSamples int    `json:"mutated_samples"`
	TotalSamples   int    `json:"total_samples"`
	Error          string `json:"error,omitempty"`
}

// Frequency returns the fraction of cancerType samples carrying a somatic mutation in gene
func (c *COSMICClient) Frequency(ctx context.Context, gene, cancerType string) (*float64, error) {
	if c.client.apiKey == "" {
		return nil, domain.NewError(domain.KindProviderUnavailable, "cosmic.Frequency", "COSMIC API key is required")
	}

	var resp COSMICFrequencyResponse
	found, err := c.client.GetJSON(ctx, "/api/v1/genes/"+url.PathEscape(gene)+"/frequency", url.Values{
		"cancer_type": {cancerType},
	}, map[string]string{"Authorization": "Bearer " + c.client.apiKey}, &resp)
	if err != nil || !found {
		return nil, err
	}
	if resp.Error != "" {
		return nil, domain.Errorf(domain.KindProviderUnavailable, "cosmic.Frequency", "COSMIC API error: %s", resp.Error)
	}
	if resp.TotalSamples == 0 {
		return nil, nil
	}
	freq := float64(resp.MutatedSamples) / float64(resp.TotalSamples)
	return &freq, nil
}
