// Package collyfetcher renders listing pages over plain HTTP using gocolly.
// It executes no JavaScript and never scrolls, so it only sees the first
// server-rendered batch of items.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Renderer implements crawler.Renderer with one cloned Colly collector per
// page, all sharing a single HTTP transport.
type Renderer struct {
	cfg  Config
	base *colly.Collector
}

var _ crawler.Renderer = (*Renderer)(nil)

// New builds a Renderer.
func New(cfg Config) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.Async(false))
	base.WithTransport(newRobotsAwareTransport(newHTTPTransport()))
	return &Renderer{cfg: cfg, base: base}
}

// Render fetches the page and returns its HTML with the count of elements
// matching the item selector.
func (r *Renderer) Render(ctx context.Context, request crawler.RenderRequest) (crawler.Page, error) {
	v := &visit{start: time.Now()}
	c := r.buildCollector()
	v.attach(c, request.ItemSelector)

	done := make(chan error, 1)
	go func() { done <- c.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		return crawler.Page{}, &crawler.RenderError{URL: request.URL, Op: "fetch", Err: ctx.Err()}
	case err := <-done:
		page, err := v.result(err)
		if err != nil {
			return crawler.Page{}, &crawler.RenderError{URL: request.URL, Op: "fetch", Err: err}
		}
		return page, nil
	}
}

func (r *Renderer) buildCollector() *colly.Collector {
	c := r.base.Clone()
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !r.cfg.RespectRobots
	if r.cfg.UserAgent != "" {
		c.UserAgent = r.cfg.UserAgent
	}
	c.SetRequestTimeout(r.cfg.Timeout)
	return c
}

// visit collects what one page load's callbacks observe.
type visit struct {
	start time.Time

	mu      sync.Mutex
	page    crawler.Page
	items   int
	respErr error
}

func (v *visit) attach(c *colly.Collector, itemSelector string) {
	if itemSelector != "" {
		c.OnHTML(itemSelector, func(*colly.HTMLElement) {
			v.mu.Lock()
			v.items++
			v.mu.Unlock()
		})
	}
	c.OnResponse(func(resp *colly.Response) {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.page = crawler.Page{
			URL:      resp.Request.URL.String(),
			HTML:     string(resp.Body),
			Duration: time.Since(v.start),
		}
	})
	c.OnError(func(resp *colly.Response, err error) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if resp != nil && resp.StatusCode != 0 {
			v.respErr = fmt.Errorf("status %d: %w", resp.StatusCode, err)
			return
		}
		v.respErr = err
	})
}

// result combines the callback state with Visit's own error.
func (v *visit) result(visitErr error) (crawler.Page, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.respErr != nil:
		return crawler.Page{}, fmt.Errorf("colly response: %w", v.respErr)
	case visitErr != nil:
		return crawler.Page{}, fmt.Errorf("colly visit: %w", visitErr)
	}
	page := v.page
	page.ItemCount = v.items
	return page, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
