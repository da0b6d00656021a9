package external

import (
	"context"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DepMapClient reads CRISPR knockout dependency scores
type DepMapClient struct {
	client *Client
}

// NewDepMapClient creates a DepMap adapter
func NewDepMapClient(client *Client) *DepMapClient {
	return &DepMapClient{client: client}
}

type depMapDependency struct {
	Gene       string  `json:"gene"`
	CancerType string  `json:"cancer_type"`
	MeanCERES  float64 `json:"mean_ceres"`
	CellLines  int     `json:"cell_lines"`
}

type depMapTop struct {
	CancerType string   `json:"cancer_type"`
	Genes      []string `json:"genes"`
}

// MeanCERES returns the mean CERES score of gene over the cell lines of cancerType
func (d *DepMapClient) MeanCERES(ctx context.Context, gene, cancerType string) (*float64, error) {
	var resp depMapDependency
	found, err := d.client.GetJSON(ctx, "/api/dependency", url.Values{
		"gene":        {gene},
		"cancer_type": {cancerType},
	}, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	if resp.CellLines == 0 {
		return nil, nil
	}
	v := resp.MeanCERES
	return &v, nil
}

// TopDependencies returns the n genes with the strongest dependency in cancerType
func (d *DepMapClient) TopDependencies(ctx context.Context, cancerType string, n int) ([]string, error) {
	var resp depMapTop
	found, err := d.client.GetJSON(ctx, "/api/dependency/top", url.Values{
		"cancer_type": {cancerType},
		"n":           {strconv.Itoa(n)},
	}, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	if len(resp.Genes) > n {
		resp.Genes = resp.Genes[:n]
	}
	d.client.log.WithFields(logrus.Fields{
		"cancer_type": cancerType,
		"genes":       len(resp.Genes),
	}).Debug("Fetched top dependencies")
	return resp.Genes, nil
}
