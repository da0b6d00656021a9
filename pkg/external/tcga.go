package external

import (
	"context"
	"net/url"
	"strings"
)

// TCGAClient reads tumor expression and expression/survival correlations
type TCGAClient struct {
	client *Client
}

// NewTCGAClient creates a TCGA adapter
func NewTCGAClient(client *Client) *TCGAClient {
	return &TCGAClient{client: client}
}

type tcgaCorrelation struct {
	Gene    string  `json:"gene"`
	Project string  `json:"project"`
	R       float64 `json:"r"`
	Samples int     `json:"samples"`
}

type tcgaExpression struct {
	Gene   string `json:"gene"`
	Tumors []struct {
		Project string  `json:"project"`
		Median  float64 `json:"median_tpm"`
	} `json:"tumors"`
}

// ProjectID maps a cancer type code to its TCGA project id
func ProjectID(cancerType string) string {
	if strings.HasPrefix(cancerType, "TCGA-") {
		return cancerType
	}
	return "TCGA-" + strings.ToUpper(cancerType)
}

// Correlation returns the Pearson r between expression of gene and overall survival
func (t *TCGAClient) Correlation(ctx context.Context, gene, cancerType string) (*float64, error) {
	var resp tcgaCorrelation
	found, err := t.client.GetJSON(ctx, "/api/survival/correlation", url.Values{
		"gene":    {gene},
		"project": {ProjectID(cancerType)},
	}, nil, &resp)
	if err != nil || !found || resp.Samples == 0 {
		return nil, err
	}
	r := resp.R
	return &r, nil
}

// TumorExpression returns median tumor expression of gene keyed by cancer type
func (t *TCGAClient) TumorExpression(ctx context.Context, gene string) (map[string]float64, error) {
	var resp tcgaExpression
	found, err := t.client.GetJSON(ctx, "/api/expression", url.Values{"gene": {gene}}, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Tumors))
	for _, tumor := range resp.Tumors {
		out[strings.TrimPrefix(tumor.Project, "TCGA-")] = tumor.Median
	}
	return out, nil
}
