package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"DiscoveryScanner/internal/digest"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/query"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) listDiscoveries(c *gin.Context) {
	filter, err := query.ParseFilter(c.Request.URL.Query())
	if err != nil {
		s.fail(c, err)
		return
	}
	page, err := s.query.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) getDiscovery(c *gin.Context) {
	rec, err := s.query.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.query.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > domain.MaxPageLimit {
			s.fail(c, &domain.InvalidFilterError{Key: "limit", Value: raw, Reason: "must be between 1 and 100"})
			return
		}
		limit = n
	}
	runs, err := s.query.Runs(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []domain.AggregationRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) latestRun(c *gin.Context) {
	run, err := s.query.LatestRun(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{"state": domain.RunIdle}
	if s.runner != nil {
		resp["state"] = s.runner.State()
		if run, ok := s.runner.Current(); ok {
			resp["current"] = run
		}
	}
	c.JSON(http.StatusOK, resp)
}

// triggerRun starts a manual run in the background. A trigger racing a
// run that starts concurrently is coalesced by the aggregator.
func (s *Server) triggerRun(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "aggregation disabled"})
		return
	}
	if s.runner.State() == domain.RunRunning {
		s.fail(c, domain.ErrRunInProgress)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		run, err := s.runner.RunNow(s.baseCtx, domain.TriggerManual)
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			s.logger.Info("manual trigger coalesced")
		case err != nil:
			s.logger.Warn("manual run failed", "error", err)
		default:
			s.logger.Info("manual run finished", "run_id", run.ID, "status", run.Status)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) buildDigest(c *gin.Context) {
	if s.digest == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "digest disabled"})
		return
	}

	freq, err := digest.ParseFrequency(c.Query("frequency"))
	if err != nil {
		s.fail(c, &domain.InvalidFilterError{Key: "frequency", Value: c.Query("frequency"), Reason: "must be daily, weekly or monthly"})
		return
	}

	var categories []domain.Category
	for _, raw := range strings.Split(c.Query("categories"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		cat, ok := domain.ParseCategory(raw)
		if !ok {
			s.fail(c, &domain.InvalidFilterError{Key: "categories", Value: raw, Reason: "unknown category"})
			return
		}
		categories = append(categories, cat)
	}

	now := s.clock().In(s.location)
	since := now.Add(-freq.Window())
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.fail(c, &domain.InvalidFilterError{Key: "since", Value: raw, Reason: "must be RFC 3339"})
			return
		}
		since = t
	}

	d, err := s.digest.BuildSince(c.Request.Context(), freq, since, categories, now)
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("format") == "text" {
		c.String(http.StatusOK, digest.Render(d))
		return
	}
	c.JSON(http.StatusOK, d)
}

// fail maps the error taxonomy onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var invalid *domain.InvalidFilterError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, errorResponse{Error: invalid.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrRunInProgress):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
