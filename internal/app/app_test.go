package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target-evidence-core/internal/config"
	"github.com/target-evidence-core/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// testConfig is the default configuration with every remote provider and
// LLM backend disabled except a local COSMIC stub
func testConfig(t *testing.T, cosmicURL string) *domain.Config {
	t.Helper()
	m, err := config.NewManager()
	require.NoError(t, err)
	cfg := m.GetConfig()

	cfg.Providers = domain.ProvidersConfig{
		Timeout: 5 * time.Second,
		COSMIC:  domain.ProviderConfig{BaseURL: cosmicURL, APIKey: "secret", RateLimit: 100},
	}
	cfg.LLM.Backends = nil
	cfg.Sandbox.AllowedHosts = []string{"127.0.0.1"}
	cfg.Bus.Window = time.Hour
	cfg.Storage.RetryInterval = time.Millisecond
	cfg.Scoring.Cancers = []domain.CancerConfig{
		{ID: "PAAD", Name: "pancreatic adenocarcinoma", Genes: []string{"KRAS", "TP53"}},
		{ID: "LUAD", Genes: []string{"EGFR"}},
	}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func cosmicStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		mutated := 10
		if r.URL.Path == "/api/v1/genes/KRAS/frequency" {
			mutated = 90
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"gene_name":       "x",
			"mutated_samples": mutated,
			"total_samples":   100,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuild_MemoryPipeline(t *testing.T) {
	srv := cosmicStub(t)
	ctx := context.Background()

	a, err := Build(ctx, testConfig(t, srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Providers.COSMIC)
	assert.Nil(t, a.Providers.DepMap)
	assert.Equal(t, []string{"LUAD", "PAAD"}, a.Engine.CancerTypes())
	assert.True(t, a.Entities.Exists("PAAD"))

	res, err := a.Engine.Ingest(ctx, &domain.Fact{
		Subject:    "KRAS",
		Predicate:  "drives",
		Object:     "PAAD",
		BaseWeight: 0.8,
		Evidence:   []domain.EvidenceRef{{Source: "pubmed", PaperID: "p1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	a.Engine.Bus().FlushAll(ctx)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/scores/PAAD/KRAS", nil)
	w := httptest.NewRecorder()
	a.API.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var score domain.TargetScore
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &score))
	assert.Equal(t, 1, score.Version)
	assert.Greater(t, score.EvidenceSupport, 0.0)

	stats := a.Stats()
	assert.Equal(t, map[string]string{"cosmic": "closed"}, stats["breakers"])
	assert.Contains(t, stats, "bus")
}

func TestBuild_CompoundFactsScoreTheirTarget(t *testing.T) {
	srv := cosmicStub(t)
	ctx := context.Background()

	a, err := Build(ctx, testConfig(t, srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()

	kras, err := a.Entities.Get("KRAS")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityGene, kras.Kind)

	_, err = a.Engine.RegisterEntity(ctx, &domain.Entity{ID: "sotorasib", Kind: domain.EntityCompound, Symbol: "sotorasib"})
	require.NoError(t, err)
	_, err = a.Engine.Ingest(ctx, &domain.Fact{Subject: "sotorasib", Predicate: "inhibits", Object: "KRAS", BaseWeight: 0.9})
	require.NoError(t, err)
	a.Engine.Bus().FlushAll(ctx)

	_, err = a.Scores.Latest(ctx, "sotorasib", "PAAD")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	latest, err := a.Scores.Latest(ctx, "KRAS", "PAAD")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
}

func TestBuild_ScoreCohort(t *testing.T) {
	srv := cosmicStub(t)
	ctx := context.Background()

	a, err := Build(ctx, testConfig(t, srv.URL), testLogger())
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Engine.ScoreCohort(ctx, "PAAD", "")
	require.NoError(t, err)
	require.Len(t, report.Scores, 2)
	for _, s := range report.Scores {
		assert.Equal(t, 1, s.Version)
	}
}

func TestBuild_Lite(t *testing.T) {
	srv := cosmicStub(t)
	cfg := testConfig(t, srv.URL)
	config.ApplyLite(cfg, t.TempDir())

	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Engine.Ingest(context.Background(), &domain.Fact{
		Subject: "TP53", Predicate: "suppresses", Object: "PAAD", BaseWeight: 0.7,
	})
	require.NoError(t, err)

	current, err := a.Facts.CurrentBySubject(context.Background(), "TP53")
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestBuild_UnreachableRedis(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Cache.RedisURL = "redis://127.0.0.1:1/0"

	_, err := Build(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis")
}
