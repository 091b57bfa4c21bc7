package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

func TestRecordStoreRoundTrips(t *testing.T) {
	t.Parallel()

	var gotBatch []crawler.Record
	mux := http.NewServeMux()
	mux.HandleFunc("GET /records/urls", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		_ = json.NewEncoder(w).Encode(map[string]any{"urls": []string{"https://wecandoo.fr/atelier/a"}})
	})
	mux.HandleFunc("POST /records/batch", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"records": []crawler.StoredRecord{{ID: 9, Record: gotBatch[0]}},
		})
	})
	mux.HandleFunc("DELETE /records", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"deleted": 4})
	})
	mux.HandleFunc("GET /records/{id}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"record not found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("GET /records", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bois", r.URL.Query().Get("category"))
		require.Equal(t, "5", r.URL.Query().Get("offset"))
		_ = json.NewEncoder(w).Encode([]crawler.StoredRecord{{ID: 1, Record: crawler.Record{Title: "A", URL: "u"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	urls, err := store.ListURLs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"https://wecandoo.fr/atelier/a"}, urls)

	created, err := store.BatchUpsert(ctx, []crawler.Record{{Title: "B", URL: "https://wecandoo.fr/atelier/b"}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, int64(9), created[0].ID)
	require.Equal(t, "B", gotBatch[0].Title)

	n, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	_, err = store.Get(ctx, 3)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	recs, err := store.List(ctx, crawler.ListFilter{Offset: 5, Category: "bois"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestRecordStoreStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = store.BatchUpsert(context.Background(), []crawler.Record{{Title: "A", URL: "u"}})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	require.Equal(t, "overloaded", statusErr.Body)
}

func TestNewRejectsRelativeBase(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"localhost:8080", "records.local", "ftp://records.example.com", "https://", ""} {
		_, err := New(Config{BaseURL: raw}, nil)
		require.ErrorContains(t, err, "remote store base url", raw)
	}

	store, err := New(Config{BaseURL: "http://localhost:8080/"}, nil)
	require.NoError(t, err)
	require.Equal(t, "localhost:8080", store.base.Host)
}
