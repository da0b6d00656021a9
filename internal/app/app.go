// Package app assembles the stores, providers, scorer, engine and HTTP API
// from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/target-evidence-core/internal/api"
	"github.com/target-evidence-core/internal/audit"
	"github.com/target-evidence-core/internal/bus"
	"github.com/target-evidence-core/internal/config"
	"github.com/target-evidence-core/internal/conflict"
	"github.com/target-evidence-core/internal/corpus"
	"github.com/target-evidence-core/internal/database"
	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/evidence"
	"github.com/target-evidence-core/internal/factstore"
	"github.com/target-evidence-core/internal/ingest"
	"github.com/target-evidence-core/internal/llm"
	"github.com/target-evidence-core/internal/repository"
	"github.com/target-evidence-core/internal/sandbox"
	"github.com/target-evidence-core/internal/scoring"
	"github.com/target-evidence-core/internal/service"
	"github.com/target-evidence-core/pkg/external"
)

// App is a fully wired process
type App struct {
	Config    *domain.Config
	Gate      *sandbox.Gate
	Entities  *corpus.EntityRegistry
	Papers    *corpus.PaperIndex
	Facts     domain.FactStore
	Scores    domain.ScoreStore
	Audit     domain.AuditStore
	Cache     *evidence.ProviderCache
	Providers *external.ProviderSet
	Profiles  *scoring.Profiles
	Scorer    *scoring.Scorer
	Router    *llm.Router
	Engine    *service.Engine
	API       *api.Server

	db      *database.DB
	checks  map[string]api.HealthCheck
	closers []func() error
	log     *logrus.Logger
}

// Build wires every component named by cfg. On error, whatever was already
// opened is closed.
func Build(ctx context.Context, cfg *domain.Config, logger *logrus.Logger) (_ *App, err error) {
	a := &App{
		Config: cfg,
		checks: make(map[string]api.HealthCheck),
		log:    logger,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Gate = sandbox.NewGate(cfg.Sandbox.AllowedHosts, logger)
	a.Entities = corpus.NewEntityRegistry(logger)
	a.Papers = corpus.NewPaperIndex(logger)
	for _, c := range cfg.Scoring.Cancers {
		if _, err := a.Entities.Register(&domain.Entity{ID: c.ID, Kind: domain.EntityCancerType, Symbol: c.ID, Aliases: aliases(c.Name)}); err != nil {
			return nil, fmt.Errorf("registering cancer type %s: %w", c.ID, err)
		}
		for _, g := range c.Genes {
			if _, err := a.Entities.Register(&domain.Entity{ID: g, Kind: domain.EntityGene, Symbol: g}); err != nil {
				return nil, fmt.Errorf("registering gene %s: %w", g, err)
			}
		}
	}

	conflicts, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.openAudit(); err != nil {
		return nil, err
	}
	conflictEngine := conflict.NewEngine(a.Facts, conflicts, logger)

	if err := a.buildCache(ctx); err != nil {
		return nil, err
	}
	a.Providers = external.NewProviderSet(cfg.Providers, func(timeout time.Duration) *http.Client {
		return sandbox.NewHTTPClient(a.Gate, timeout)
	}, logger)

	kg := evidence.NewKnowledgeGraph(a.Facts, conflictEngine)
	providers := a.Providers.Providers()
	providers.Pathway = kg

	assembler := evidence.NewAssembler(providers, a.Cache, a.cohort(), kg, evidence.Options{
		Timeout:     cfg.Providers.Timeout,
		Parallelism: cfg.Scoring.Parallelism,
		PLDDTFloor:  cfg.Providers.PLDDTFloor,
		CancerNames: cancerNames(cfg.Scoring.Cancers),
	}, logger)

	a.Profiles, err = scoring.NewProfiles(cfg.Scoring.DefaultProfile, logger)
	if err != nil {
		return nil, fmt.Errorf("loading weight profiles: %w", err)
	}
	retry := service.RetryPolicyFrom(cfg.Storage)
	a.Scorer, err = scoring.NewScorer(assembler, service.NewRetryingScoreStore(a.Scores, retry, logger), a.Profiles, scoring.Thresholds{
		Primary:   cfg.Scoring.PrimaryThreshold,
		Secondary: cfg.Scoring.SecondaryThreshold,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating scorer: %w", err)
	}

	a.Router = llm.NewRouter(llm.PolicyFromConfig(cfg.LLM), a.Audit, logger)
	if err := llm.RegisterBackends(ctx, a.Router, cfg.LLM.Backends, a.Gate); err != nil {
		return nil, fmt.Errorf("registering llm backends: %w", err)
	}

	a.Engine, err = service.NewEngine(service.Deps{
		Facts:     a.Facts,
		Conflicts: conflictEngine,
		Scorer:    a.Scorer,
		Profiles:  a.Profiles,
		Entities:  a.Entities,
		Papers:    a.Papers,
		Gate:      a.Gate,
		Router:    a.Router,
	}, service.Options{
		CancerTypes: cancerIDs(cfg.Scoring.Cancers),
		Retry:       retry,
		Bus: bus.Config{
			QueueSize: cfg.Bus.QueueSize,
			Window:    cfg.Bus.Window,
			Thresholds: bus.Thresholds{
				NewFact: cfg.Bus.NewFactThreshold,
				Delta:   cfg.Bus.DeltaThreshold,
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	a.API = api.NewServer(cfg.Server, api.Deps{
		Scores: a.Scores,
		Facts:  a.Facts,
		Audit:  a.Audit,
		Checks: a.checks,
		Stats:  a.Stats,
	}, logger)
	return a, nil
}

// openStores opens the fact and score stores for the configured driver and
// returns the matching conflict store
func (a *App) openStores(ctx context.Context) (conflict.Store, error) {
	cfg := a.Config
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := factstore.NewSQLiteStore(cfg.Storage.SQLitePath, a.log)
		if err != nil {
			return nil, fmt.Errorf("opening fact store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Facts = store
		a.Scores = store.Scores()
		return conflict.NewMemoryStore(), nil

	case "postgres":
		db, err := database.NewConnection(ctx, database.ConfigFrom(cfg.Database), a.log)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		a.checks["database"] = db.Health

		runner, err := database.NewMigrationRunner(config.DatabaseURL(cfg.Database), cfg.Database.MigrationsPath, a.log)
		if err != nil {
			return nil, fmt.Errorf("preparing migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Up(ctx); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}

		a.Facts = repository.NewFactRepository(db, nil, a.log)
		a.Scores = repository.NewScoreRepository(db, a.log)
		return repository.NewConflictRepository(db), nil

	default:
		a.Facts = factstore.NewMemoryStore(a.log)
		a.Scores = scoring.NewMemoryStore()
		return conflict.NewMemoryStore(), nil
	}
}

func (a *App) openAudit() error {
	cfg := a.Config
	switch cfg.Storage.AuditDriver {
	case "badger":
		store, err := audit.OpenBadgerStore(cfg.Storage.AuditPath)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Audit = store
	case "postgres":
		store, err := audit.NewPostgresStoreFromURL(config.DatabaseURL(cfg.Database))
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Audit = store
	default:
		a.Audit = audit.NewMemoryStore()
	}
	return nil
}

func (a *App) buildCache(ctx context.Context) error {
	cfg := a.Config.Cache
	a.Cache = evidence.NewProviderCache(evidence.CacheConfig{
		Size:        cfg.Size,
		TTL:         cfg.TTL,
		NegativeTTL: cfg.NegativeTTL,
	}, a.log)
	if cfg.RedisURL == "" {
		return nil
	}
	client, err := evidence.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)
	a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	a.Cache.WithRedis(client)
	return nil
}

// cohort combines the configured gene lists with the top DepMap
// dependencies when DepMap is available
func (a *App) cohort() evidence.CohortSource {
	static := evidence.StaticCohort{}
	for _, c := range a.Config.Scoring.Cancers {
		static[c.ID] = c.Genes
	}
	if a.Providers.DepMap == nil {
		return static
	}
	return evidence.UnionCohort{
		static,
		evidence.DependencyCohort{Dependencies: a.Providers.DepMap, Size: a.Config.Scoring.CohortSize},
	}
}

// Stats reports runtime counters for /health
func (a *App) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"cache":          a.Cache.Stats(),
		"breakers":       a.Providers.BreakerStates(),
		"active_profile": a.Profiles.Active(),
	}
	if a.Engine != nil {
		stats["bus"] = a.Engine.Bus().Stats()
	}
	if a.db != nil {
		st := a.db.Stats()
		stats["db_acquired_conns"] = st.AcquiredConns()
		stats["db_total_conns"] = st.TotalConns()
	}
	return stats
}

// Run serves the HTTP API, drains the update bus and, when enabled,
// consumes the fact queue until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	var consumer *ingest.Consumer
	if a.Config.AMQP.Enabled {
		var err error
		consumer, err = ingest.Dial(a.Config.AMQP, a.Engine, a.log)
		if err != nil {
			return fmt.Errorf("connecting to fact queue: %w", err)
		}
		defer consumer.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Engine.Run(ctx) })
	g.Go(func() error { return a.API.Start(ctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases stores and connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}

func aliases(name string) []string {
	if name == "" {
		return nil
	}
	return []string{name}
}

func cancerIDs(cancers []domain.CancerConfig) []string {
	ids := make([]string, 0, len(cancers))
	for _, c := range cancers {
		ids = append(ids, c.ID)
	}
	return ids
}

func cancerNames(cancers []domain.CancerConfig) map[string]string {
	names := make(map[string]string, len(cancers))
	for _, c := range cancers {
		if c.Name != "" {
			names[c.ID] = c.Name
		}
	}
	return names
}
