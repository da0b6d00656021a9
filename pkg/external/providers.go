package external

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/evidence"
)

// HTTPClientFactory builds the http.Client for one provider
type HTTPClientFactory func(timeout time.Duration) *http.Client

// ProviderSet is the configured provider adapters. Adapters whose base URL
// is empty stay nil.
type ProviderSet struct {
	DepMap    *DepMapClient
	TCGA      *TCGAClient
	GTEx      *GTExClient
	COSMIC    *COSMICClient
	ChEMBL    *ChEMBLClient
	EuropePMC *EuropePMCClient
	Structure *StructureClient
	Pockets   *PocketClient

	clients []*Client
}

// NewProviderSet builds every configured adapter
func NewProviderSet(cfg domain.ProvidersConfig, httpClient HTTPClientFactory, logger *logrus.Logger) *ProviderSet {
	set := &ProviderSet{}
	build := func(name string, pc domain.ProviderConfig) *Client {
		if pc.BaseURL == "" {
			logger.WithField("provider", name).Info("Provider not configured")
			return nil
		}
		c := ConfigFrom(name, pc, cfg.Timeout)
		client := NewClient(c, httpClient(c.Timeout), logger)
		set.clients = append(set.clients, client)
		return client
	}

	if c := build("depmap", cfg.DepMap); c != nil {
		set.DepMap = NewDepMapClient(c)
	}
	if c := build("tcga", cfg.TCGA); c != nil {
		set.TCGA = NewTCGAClient(c)
	}
	if c := build("gtex", cfg.GTEx); c != nil {
		set.GTEx = NewGTExClient(c)
	}
	if c := build("cosmic", cfg.COSMIC); c != nil {
		set.COSMIC = NewCOSMICClient(c)
	}
	if c := build("chembl", cfg.ChEMBL); c != nil {
		set.ChEMBL = NewChEMBLClient(c)
	}
	if c := build("europepmc", cfg.EuropePMC); c != nil {
		set.EuropePMC = NewEuropePMCClient(c)
	}
	if c := build("structure", cfg.Structure); c != nil {
		set.Structure = NewStructureClient(c)
	}
	if c := build("pockets", cfg.Pockets); c != nil {
		set.Pockets = NewPocketClient(c)
	}
	return set
}

// Providers returns the evidence providers backed by this set. Pathway is
// left for the caller since it reads the knowledge graph.
func (s *ProviderSet) Providers() evidence.Providers {
	var p evidence.Providers
	if s.COSMIC != nil {
		p.Mutation = s.COSMIC
	}
	if s.DepMap != nil {
		p.Dependency = s.DepMap
	}
	if s.TCGA != nil {
		p.Survival = s.TCGA
	}
	if s.GTEx != nil {
		p.Expression = &Expression{Normal: s.GTEx, Tumor: s.TCGA}
	}
	if s.Structure != nil {
		p.Structure = s.Structure
	}
	if s.Pockets != nil {
		p.Pocket = s.Pockets
	}
	if s.ChEMBL != nil {
		p.Activity = s.ChEMBL
	}
	if s.EuropePMC != nil {
		p.Literature = s.EuropePMC
	}
	return p
}

// BreakerStates reports the circuit breaker state of every configured provider
func (s *ProviderSet) BreakerStates() map[string]string {
	out := make(map[string]string, len(s.clients))
	for _, c := range s.clients {
		out[c.Name()] = c.State().String()
	}
	return out
}
