package external

import (
	"context"
	"net/url"
	"strconv"
)

// ActivePChEMBL is the pChEMBL value a compound needs to count as an active inhibitor
const ActivePChEMBL = 6.0

// ChEMBLClient counts known active compounds per target
type ChEMBLClient struct {
	client *Client
}

// NewChEMBLClient creates a ChEMBL adapter
func NewChEMBLClient(client *Client) *ChEMBLClient {
	return &ChEMBLClient{client: client}
}

type chemblTargets struct {
	Targets []struct {
		TargetChEMBLID string `json:"target_chembl_id"`
		TargetType     string `json:"target_type"`
		Organism       string `json:"organism"`
	} `json:"targets"`
}

type chemblActivities struct {
	PageMeta struct {
		TotalCount int `json:"total_count"`
	} `json:"page_meta"`
}

// ActiveInhibitors returns the number of activities with pChEMBL at or above
// ActivePChEMBL against the human single-protein target of gene
func (c *ChEMBLClient) ActiveInhibitors(ctx context.Context, gene string) (*int, error) {
	var targets chemblTargets
	found, err := c.client.GetJSON(ctx, "/chembl/api/data/target/search.json", url.Values{
		"q":     {gene},
		"limit": {"20"},
	}, nil, &targets)
	if err != nil || !found {
		return nil, err
	}

	targetID := ""
	for _, t := range targets.Targets {
		if t.Organism == "Homo sapiens" && t.TargetType == "SINGLE PROTEIN" {
			targetID = t.TargetChEMBLID
			break
		}
	}
	if targetID == "" {
		return nil, nil
	}

	var acts chemblActivities
	found, err = c.client.GetJSON(ctx, "/chembl/api/data/activity.json", url.Values{
		"target_chembl_id":   {targetID},
		"pchembl_value__gte": {strconv.FormatFloat(ActivePChEMBL, 'f', 1, 64)},
		"limit":              {"1"},
	}, nil, &acts)
	if err != nil || !found {
		return nil, err
	}
	n := acts.PageMeta.TotalCount
	return &n, nil
}
