package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 100
	maxBatchRecords    = 1000
	maxBatchBodyBytes  = 4 << 20
)

type recordRequest struct {
	Title    string  `json:"title" validate:"required"`
	URL      string  `json:"url" validate:"required,http_url"`
	Category *string `json:"category"`
	Price    *int    `json:"price" validate:"omitempty,gte=0"`
	Duration *string `json:"duration"`
	Location *string `json:"location"`
}

func (r recordRequest) record() crawler.Record {
	return crawler.Record{
		Title:    strings.TrimSpace(r.Title),
		URL:      strings.TrimSpace(r.URL),
		Category: r.Category,
		Price:    r.Price,
		Duration: r.Duration,
		Location: r.Location,
	}
}

type batchResponse struct {
	Created int                    `json:"created"`
	Records []crawler.StoredRecord `json:"records"`
}

// listRecords handles GET /records?offset=&limit=&category=. Unlike the run
// listing, out-of-range paging is rejected rather than clamped.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseIntParam(q.Get("limit"), defaultRecordLimit)
	if err != nil || limit < 1 || limit > maxRecordLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxRecordLimit))
		return
	}
	offset, err := parseIntParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be >= 0")
		return
	}
	records, err := s.deps.Records.List(r.Context(), crawler.ListFilter{
		Offset:   offset,
		Limit:    limit,
		Category: strings.TrimSpace(q.Get("category")),
	})
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []crawler.StoredRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// listRecordURLs handles GET /records/urls.
func (s *Server) listRecordURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := s.deps.Records.ListURLs(r.Context())
	if err != nil {
		s.logger.Error("list record urls failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list urls")
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

// getRecord handles GET /records/{id}.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	rec, err := s.deps.Records.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record failed", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// createRecords handles POST /records/batch. The body is a JSON array of
// records; URLs already stored or repeated in the batch are skipped and only
// the created records are returned.
func (s *Server) createRecords(w http.ResponseWriter, r *http.Request) {
	var reqs []recordRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBodyBytes)).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: expected an array of records")
		return
	}
	if len(reqs) > maxBatchRecords {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds %d records", maxBatchRecords))
		return
	}
	records := make([]crawler.Record, 0, len(reqs))
	for i, req := range reqs {
		if err := s.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
		records = append(records, req.record())
	}

	created, err := s.deps.Records.BatchUpsert(r.Context(), records)
	if err != nil {
		s.logger.Error("batch upsert failed", zap.Int("size", len(records)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store records")
		return
	}
	if created == nil {
		created = []crawler.StoredRecord{}
	}
	s.logger.Info("records stored", zap.Int("submitted", len(records)), zap.Int("created", len(created)))
	writeJSON(w, http.StatusCreated, batchResponse{Created: len(created), Records: created})
}

// deleteRecords handles DELETE /records.
func (s *Server) deleteRecords(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Records.DeleteAll(r.Context())
	if err != nil {
		s.logger.Error("delete records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete records")
		return
	}
	s.logger.Warn("records deleted", zap.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
