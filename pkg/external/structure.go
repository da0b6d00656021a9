package external

import (
	"context"
	"net/url"

	"github.com/target-evidence-core/internal/domain"
)

// StructureClient reports experimental and predicted structure availability
type StructureClient struct {
	client *Client
}

// NewStructureClient creates a structure adapter
func NewStructureClient(client *Client) *StructureClient {
	return &StructureClient{client: client}
}

type structureSummary struct {
	Gene        string   `json:"gene"`
	PDBEntries  []string `json:"pdb_entries"`
	AlphaFoldID string   `json:"alphafold_id"`
	MeanPLDDT   float64  `json:"mean_plddt"`
}

// Structure returns the structures known for the product of gene
func (s *StructureClient) Structure(ctx context.Context, gene string) (*domain.StructureInfo, error) {
	var resp structureSummary
	found, err := s.client.GetJSON(ctx, "/api/structures/"+url.PathEscape(gene), nil, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &domain.StructureInfo{
		Experimental: len(resp.PDBEntries) > 0,
		Predicted:    resp.AlphaFoldID != "",
		MeanPLDDT:    resp.MeanPLDDT,
	}, nil
}

// PocketClient reports pocket druggability
type PocketClient struct {
	client *Client
}

// NewPocketClient creates a pocket adapter
func NewPocketClient(client *Client) *PocketClient {
	return &PocketClient{client: client}
}

type pocketList struct {
	Pockets []struct {
		ID           string  `json:"id"`
		Druggability float64 `json:"druggability"`
	} `json:"pockets"`
}

// BestDruggability returns the highest pocket druggability score
func (p *PocketClient) BestDruggability(ctx context.Context, gene string) (*float64, error) {
	var resp pocketList
	found, err := p.client.GetJSON(ctx, "/api/pockets", url.Values{"gene": {gene}}, nil, &resp)
	if err != nil || !found || len(resp.Pockets) == 0 {
		return nil, err
	}
	best := resp.Pockets[0].Druggability
	for _, pocket := range resp.Pockets[1:] {
		if pocket.Druggability > best {
			best = pocket.Druggability
		}
	}
	return &best, nil
}
