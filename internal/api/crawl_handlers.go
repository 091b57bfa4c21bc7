package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/tracker"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type startCrawlResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// startCrawl handles POST /crawl/{spider_name}. It returns 202 with the new
// run id, 404 with the supported spiders for unknown names, or 503 when the
// run cannot be queued.
func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "spider_name")
	sp, err := s.deps.Spiders.Lookup(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     fmt.Sprintf("spider %q not found", name),
			"supported": s.deps.Spiders.Names(),
		})
		return
	}

	runID, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Error("generate run id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate run id")
		return
	}
	run, err := s.deps.Runs.Create(r.Context(), runID, sp.Name)
	if err != nil {
		s.logger.Error("create run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), s.cfg.QueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		RunID:     run.ID,
		Spider:    sp.Name,
		Attempt:   1,
		Submitted: run.CreatedAt.Unix(),
	}
	if err := s.deps.Enqueuer.Enqueue(queueCtx, item); err != nil {
		s.logger.Error("enqueue run failed", zap.String("run_id", run.ID), zap.Error(err))
		msg := "enqueue: " + err.Error()
		s.deps.Runs.Advance(context.WithoutCancel(r.Context()), run.ID, crawler.RunStatusFailed, tracker.Detail{Error: &msg})
		writeError(w, http.StatusServiceUnavailable, "run queue unavailable")
		return
	}
	s.logger.Info("run queued", zap.String("run_id", run.ID), zap.String("spider", sp.Name))
	writeJSON(w, http.StatusAccepted, startCrawlResponse{RunID: run.ID, Status: "started"})
}

// getRunStatus handles GET /crawl/status/{run_id}.
func (s *Server) getRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	run, err := s.deps.Runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// listRuns handles GET /crawl/runs?status=&limit=&offset=. Limits above the
// maximum are clamped.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(q.Get("limit"), defaultRunLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxRunLimit)
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	filter := crawler.RunFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := crawler.RunStatus(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}

	runs, err := s.deps.Runs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []crawler.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseIntParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	return v, nil
}
