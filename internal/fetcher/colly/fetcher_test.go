package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const listingHTML = `<html><body>
<a href="/atelier/poterie"><h3>Poterie</h3></a>
<a href="/atelier/bijoux"><h3>Bijoux</h3></a>
<a href="/ateliers?page=2">Suivant</a>
</body></html>`

func TestRenderReturnsHTMLAndItemCount(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, listingHTML)
	}))
	defer srv.Close()

	r := New(Config{UserAgent: "atelier-bot/test", Timeout: time.Second})
	page, err := r.Render(context.Background(), crawler.RenderRequest{
		URL:          srv.URL + "/ateliers",
		ItemSelector: "a[href*='/atelier/']",
	})
	require.NoError(t, err)
	require.Equal(t, 2, page.ItemCount)
	require.Contains(t, page.HTML, "Poterie")
	require.Equal(t, "atelier-bot/test", gotUA)

	// Same URL twice must not be refused as already visited.
	_, err = r.Render(context.Background(), crawler.RenderRequest{URL: srv.URL + "/ateliers"})
	require.NoError(t, err)
}

func TestRenderNon2xxIsRenderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{}).Render(context.Background(), crawler.RenderRequest{URL: srv.URL})
	var renderErr *crawler.RenderError
	require.True(t, errors.As(err, &renderErr))
	require.Equal(t, "fetch", renderErr.Op)
}

func TestRenderCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Render(ctx, crawler.RenderRequest{URL: srv.URL})
	require.Error(t, err)
	require.True(t, crawler.IsRenderTimeout(err))
}

func TestBuildCollectorRobotsAndAgent(t *testing.T) {
	t.Parallel()

	c := New(Config{UserAgent: "agent", RespectRobots: true}).buildCollector()
	require.Equal(t, "agent", c.UserAgent)
	require.False(t, c.IgnoreRobotsTxt)
	require.True(t, c.AllowURLRevisit)

	c = New(Config{}).buildCollector()
	require.True(t, c.IgnoreRobotsTxt)
}

func TestRenderHonorsRobotsWhenRequested(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /ateliers\n")
			return
		}
		fmt.Fprint(w, listingHTML)
	}))
	defer srv.Close()

	_, err := New(Config{RespectRobots: true}).Render(context.Background(), crawler.RenderRequest{URL: srv.URL + "/ateliers"})
	require.Error(t, err)
	require.False(t, crawler.IsRenderTimeout(err))

	_, err = New(Config{}).Render(context.Background(), crawler.RenderRequest{URL: srv.URL + "/ateliers"})
	require.NoError(t, err)
}
