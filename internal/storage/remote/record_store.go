// Package remote implements crawler.RecordStore against a running atelier
// API, so a one-shot crawl can push records into a shared deployment.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const (
	defaultTimeout = 30 * time.Second
	apiKeyHeader   = "X-API-Key"
	maxErrorBody   = 200
)

// Config locates the API.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RecordStore talks to the /records endpoints.
type RecordStore struct {
	base   *url.URL
	apiKey string
	client *http.Client
}

var _ crawler.RecordStore = (*RecordStore)(nil)

// New builds a RecordStore. client may be nil.
func New(cfg Config, client *http.Client) (*RecordStore, error) {
	base, err := ParseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RecordStore{base: base, apiKey: cfg.APIKey, client: client}, nil
}

// ParseBaseURL accepts only absolute http(s) URLs with a host.
func ParseBaseURL(raw string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, fmt.Errorf("remote store base url %q: %w", raw, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("remote store base url %q must be an absolute http(s) url", raw)
	}
	return base, nil
}

// StatusError reports a non-success API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote store status %d: %s", e.Code, e.Body)
}

// List fetches one page of records.
func (s *RecordStore) List(ctx context.Context, filter crawler.ListFilter) ([]crawler.StoredRecord, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(filter.Offset))
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	var out []crawler.StoredRecord
	if err := s.do(ctx, http.MethodGet, "/records?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches one record.
func (s *RecordStore) Get(ctx context.Context, id int64) (crawler.StoredRecord, error) {
	var out crawler.StoredRecord
	err := s.do(ctx, http.MethodGet, "/records/"+strconv.FormatInt(id, 10), nil, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return crawler.StoredRecord{}, crawler.ErrNotFound
	}
	return out, err
}

// ListURLs fetches every stored URL.
func (s *RecordStore) ListURLs(ctx context.Context) ([]string, error) {
	var out struct {
		URLs []string `json:"urls"`
	}
	if err := s.do(ctx, http.MethodGet, "/records/urls", nil, &out); err != nil {
		return nil, err
	}
	return out.URLs, nil
}

// BatchUpsert posts records and returns those the API created.
func (s *RecordStore) BatchUpsert(ctx context.Context, records []crawler.Record) ([]crawler.StoredRecord, error) {
	if len(records) == 0 {
		return []crawler.StoredRecord{}, nil
	}
	var out struct {
		Records []crawler.StoredRecord `json:"records"`
	}
	if err := s.do(ctx, http.MethodPost, "/records/batch", records, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// DeleteAll removes every record.
func (s *RecordStore) DeleteAll(ctx context.Context) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := s.do(ctx, http.MethodDelete, "/records", nil, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

func (s *RecordStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set(apiKeyHeader, s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
