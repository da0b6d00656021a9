package external

import (
	"context"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/target-evidence-core/internal/evidence"
)

// GTExClient reads median normal-tissue expression
type GTExClient struct {
	client *Client
}

// NewGTExClient creates a GTEx adapter
func NewGTExClient(client *Client) *GTExClient {
	return &GTExClient{client: client}
}

type gtexMedian struct {
	Data []struct {
		TissueSiteDetailID string  `json:"tissueSiteDetailId"`
		Median             float64 `json:"median"`
	} `json:"data"`
}

// NormalExpression returns median expression of gene per normal tissue
func (g *GTExClient) NormalExpression(ctx context.Context, gene string) (map[string]float64, error) {
	var resp gtexMedian
	found, err := g.client.GetJSON(ctx, "/api/v2/expression/medianGeneExpression", url.Values{
		"geneSymbol": {gene},
	}, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Data))
	for _, d := range resp.Data {
		out[d.TissueSiteDetailID] = d.Median
	}
	return out, nil
}

// Expression merges GTEx normal tissues with TCGA tumor expression into the
// map the assembler reads: normal tissues by name, tumors under "tumor:<type>".
type Expression struct {
	Normal *GTExClient
	Tumor  *TCGAClient
}

// MedianExpression implements domain.ExpressionProvider
func (e *Expression) MedianExpression(ctx context.Context, gene string) (map[string]float64, error) {
	var normal, tumor map[string]float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		normal, err = e.Normal.NormalExpression(gctx, gene)
		return err
	})
	if e.Tumor != nil {
		g.Go(func() error {
			var err error
			tumor, err = e.Tumor.TumorExpression(gctx, gene)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(normal) == 0 && len(tumor) == 0 {
		return nil, nil
	}

	out := make(map[string]float64, len(normal)+len(tumor))
	for tissue, v := range normal {
		out[tissue] = v
	}
	for cancer, v := range tumor {
		out[evidence.TumorTissueKey(cancer)] = v
	}
	return out, nil
}
