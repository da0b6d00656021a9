package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
	"github.com/target-evidence-core/internal/middleware"
)

// ScoreReader is the read side of the score store
type ScoreReader interface {
	Latest(ctx context.Context, gene, cancerType string) (*domain.TargetScore, error)
	ByCancerBand(ctx context.Context, cancerType string, band domain.Band) ([]*domain.TargetScore, error)
	ByGene(ctx context.Context, gene string) ([]*domain.TargetScore, error)
}

// FactReader is the read side of the fact store
type FactReader interface {
	Get(ctx context.Context, id int64) (*domain.Fact, error)
	EvidenceOf(ctx context.Context, id int64) ([]domain.EvidenceRef, error)
}

// AuditReader is the read side of the audit log
type AuditReader interface {
	ByTimeRange(ctx context.Context, from, to time.Time) ([]*domain.AuditRecord, error)
	BySession(ctx context.Context, sessionID string) ([]*domain.AuditRecord, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Deps are the stores the API reads. Audit may be nil.
type Deps struct {
	Scores ScoreReader
	Facts  FactReader
	Audit  AuditReader
	// Checks are run by /health
	Checks map[string]HealthCheck
	// Stats adds runtime counters to /health
	Stats func() map[string]interface{}
}

// Server represents the HTTP read API
type Server struct {
	cfg    domain.ServerConfig
	deps   Deps
	router *gin.Engine
	server *http.Server
	log    *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(cfg domain.ServerConfig, deps Deps, logger *logrus.Logger) *Server {
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestLogger(logger))
	if cfg.WriteTimeout > 0 {
		router.Use(middleware.RequestTimeout(cfg.WriteTimeout))
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: router,
		log:    logger,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/scores", s.handleScoresByBand)
		v1.GET("/scores/:cancer/:gene", s.handleLatestScore)
		v1.GET("/genes/:gene/scores", s.handleGeneScores)
		v1.GET("/facts/:id", s.handleGetFact)
		v1.GET("/facts/:id/evidence", s.handleFactEvidence)
		v1.GET("/audit", s.handleAudit)
	}
}

// statusFor maps an error kind to an HTTP status
func statusFor(err error) int {
	switch domain.KindOf(err, "") {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflictingWrite:
		return http.StatusConflict
	case domain.KindCapabilityBlocked, domain.KindPolicyBlocked:
		return http.StatusForbidden
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindStorageUnavailable, domain.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	kind := domain.KindOf(err, "INTERNAL")
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"path":           c.FullPath(),
			"correlation_id": c.GetString("correlation_id"),
		}).Error("Request failed")
	}
	c.JSON(status, gin.H{
		"error":          err.Error(),
		"kind":           kind,
		"correlation_id": c.GetString("correlation_id"),
	})
}
