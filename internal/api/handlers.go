package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/target-evidence-core/internal/domain"
)

var allBands = []domain.Band{domain.BandPrimary, domain.BandSecondary, domain.BandExcluded}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if s.deps.Stats != nil {
		body["stats"] = s.deps.Stats()
	}
	c.JSON(status, body)
}

// handleScoresByBand lists the latest score of every gene of a cancer type,
// optionally restricted to one band
func (s *Server) handleScoresByBand(c *gin.Context) {
	cancer := c.Query("cancer")
	if cancer == "" {
		s.fail(c, domain.NewValidationError("cancer", "is required", nil))
		return
	}

	bands := allBands
	if b := c.Query("band"); b != "" {
		band := domain.Band(b)
		if band != domain.BandPrimary && band != domain.BandSecondary && band != domain.BandExcluded {
			s.fail(c, domain.NewValidationError("band", "must be primary, secondary or excluded", b))
			return
		}
		bands = []domain.Band{band}
	}

	scores := make([]*domain.TargetScore, 0)
	for _, band := range bands {
		rows, err := s.deps.Scores.ByCancerBand(c.Request.Context(), cancer, band)
		if err != nil {
			s.fail(c, err)
			return
		}
		scores = append(scores, rows...)
	}
	c.JSON(http.StatusOK, gin.H{
		"cancer_type": cancer,
		"count":       len(scores),
		"scores":      scores,
	})
}

func (s *Server) handleLatestScore(c *gin.Context) {
	score, err := s.deps.Scores.Latest(c.Request.Context(), c.Param("gene"), c.Param("cancer"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (s *Server) handleGeneScores(c *gin.Context) {
	scores, err := s.deps.Scores.ByGene(c.Request.Context(), c.Param("gene"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if scores == nil {
		scores = []*domain.TargetScore{}
	}
	c.JSON(http.StatusOK, gin.H{
		"gene":   c.Param("gene"),
		"scores": scores,
	})
}

func factID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError("id", "must be a positive integer", c.Param("id"))
	}
	return id, nil
}

func (s *Server) handleGetFact(c *gin.Context) {
	id, err := factID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	f, err := s.deps.Facts.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) handleFactEvidence(c *gin.Context) {
	id, err := factID(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	refs, err := s.deps.Facts.EvidenceOf(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if refs == nil {
		refs = []domain.EvidenceRef{}
	}
	c.JSON(http.StatusOK, gin.H{
		"fact_id":  id,
		"evidence": refs,
	})
}

// handleAudit reads the audit log by session or by an RFC 3339 time range
func (s *Server) handleAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		s.fail(c, domain.NewError(domain.KindStorageUnavailable, "api.Audit", "audit log not configured"))
		return
	}
	ctx := c.Request.Context()

	var (
		records []*domain.AuditRecord
		err     error
	)
	if session := c.Query("session"); session != "" {
		records, err = s.deps.Audit.BySession(ctx, session)
	} else {
		from, ferr := parseTime(c.Query("from"), "from")
		if ferr != nil {
			s.fail(c, ferr)
			return
		}
		to, terr := parseTime(c.Query("to"), "to")
		if terr != nil {
			s.fail(c, terr)
			return
		}
		if to.Before(from) {
			s.fail(c, domain.NewValidationError("to", "precedes from", c.Query("to")))
			return
		}
		records, err = s.deps.Audit.ByTimeRange(ctx, from, to)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []*domain.AuditRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, domain.NewValidationError(field, "is required without session", nil)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be RFC 3339", raw)
	}
	return t, nil
}
