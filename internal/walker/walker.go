// Package walker traverses a paginated listing site and extracts atelier
// records from every rendered page.
package walker

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
	"github.com/JakeFAU/atelier-crawler/internal/dedup"
	"github.com/JakeFAU/atelier-crawler/internal/metrics"
	"github.com/JakeFAU/atelier-crawler/internal/normalize"
	"github.com/JakeFAU/atelier-crawler/internal/spider"
)

const (
	defaultConcurrency = 2
	defaultMaxPages    = 10
	defaultContentType = "text/html; charset=utf-8"
)

// Config controls Walker behavior.
type Config struct {
	// Concurrency bounds how many sibling pages render at once.
	Concurrency int
	// ArchivePrefix is prepended to snapshot object paths.
	ArchivePrefix string
	ContentType   string
}

// Options are per-walk settings.
type Options struct {
	RunID string
	// MaxPages overrides the spider's page bound when positive.
	MaxPages int
	// OnPage is called after each page is extracted. It may be called from
	// several goroutines at once.
	OnPage func(PageReport)
}

// PageReport summarizes one extracted page.
type PageReport struct {
	URL        string
	Page       int
	Accepted   int
	Rejected   int
	Duplicates int
	// Total is the number of records accepted so far in the whole walk.
	Total int
}

// Result is everything a walk gathered, including partial output on error.
type Result struct {
	Records    []crawler.Record
	Rejected   int
	Duplicates int
	Pages      int
}

// Walker renders and extracts listing pages.
type Walker struct {
	renderer crawler.Renderer
	limiter  crawler.Limiter
	archive  crawler.BlobStore
	hasher   crawler.Hasher
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Walker. limiter, archive and hasher may be nil; snapshots
// are only written when both archive and hasher are set.
func New(
	renderer crawler.Renderer,
	limiter crawler.Limiter,
	archive crawler.BlobStore,
	hasher crawler.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	return &Walker{
		renderer: renderer,
		limiter:  limiter,
		archive:  archive,
		hasher:   hasher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Walk crawls sp breadth first from its start URLs. The first page failure
// cancels the pages still in flight and is returned together with every
// record extracted before it.
func (w *Walker) Walk(ctx context.Context, sp spider.Spider, opts Options) (Result, error) {
	norm, err := normalize.New(sp.BaseURL)
	if err != nil {
		return Result{}, fmt.Errorf("walker normalizer: %w", err)
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = sp.MaxPages
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	run := &walk{
		Walker: w,
		spider: sp,
		opts:   opts,
		norm:   norm,
		items:  dedup.New(),
		pages:  dedup.New(),
		logger: w.logger.With(zap.String("run_id", opts.RunID), zap.String("spider", sp.Name)),
	}
	run.transition(stateStart, "", 0)

	frontier := run.admit(sp.StartURLs)
	for depth := 1; len(frontier) > 0; depth++ {
		next, err := run.level(ctx, frontier, depth, depth < maxPages)
		if err != nil {
			run.transition(stateError, "", depth)
			return run.snapshot(), err
		}
		frontier = next
	}
	run.transition(stateDone, "", 0)
	return run.snapshot(), nil
}

type state string

const (
	stateStart      state = "START"
	stateRendering  state = "RENDERING"
	stateExtracting state = "EXTRACTING"
	stateDone       state = "DONE"
	stateError      state = "ERROR"
)

// walk is the per-run state shared by sibling pages.
type walk struct {
	*Walker
	spider spider.Spider
	opts   Options
	norm   *normalize.Normalizer
	items  *dedup.Index
	pages  *dedup.Index
	logger *zap.Logger

	mu     sync.Mutex
	result Result
}

func (r *walk) transition(s state, pageURL string, page int) {
	fields := []zap.Field{zap.String("state", string(s))}
	if pageURL != "" {
		fields = append(fields, zap.String("url", pageURL))
	}
	if page > 0 {
		fields = append(fields, zap.Int("page", page))
	}
	r.logger.Debug("walk state", fields...)
}

// admit filters page URLs already scheduled in this walk.
func (r *walk) admit(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if r.pages.MarkIfNew(u) {
			out = append(out, strings.TrimSpace(u))
		}
	}
	return out
}

// level renders one generation of pages and returns the next one.
func (r *walk) level(ctx context.Context, frontier []string, page int, advance bool) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	var (
		mu   sync.Mutex
		next []string
	)
	for _, pageURL := range frontier {
		g.Go(func() error {
			links, err := r.visit(gctx, pageURL, page)
			if err != nil {
				return err
			}
			if !advance {
				return nil
			}
			mu.Lock()
			next = append(next, links...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r.admit(next), nil
}

func (r *walk) visit(ctx context.Context, pageURL string, page int) ([]string, error) {
	r.transition(stateRendering, pageURL, page)
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, pageURL); err != nil {
			return nil, &crawler.RenderError{URL: pageURL, Op: "rate limit", Err: err}
		}
	}
	rendered, err := r.renderer.Render(ctx, crawler.RenderRequest{
		URL:          pageURL,
		ItemSelector: r.spider.Selectors.Item,
	})
	metrics.ObserveRender(r.spider.Name, err, rendered.Duration)
	if err != nil {
		r.logger.Warn("render failed", zap.String("url", pageURL), zap.Int("page", page), zap.Error(err))
		return nil, err
	}
	r.archivePage(ctx, rendered)

	r.transition(stateExtracting, pageURL, page)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rendered.HTML))
	if err != nil {
		return nil, &crawler.RenderError{URL: pageURL, Op: "parse", Err: err}
	}

	report := r.extract(doc, pageURL, page)
	metrics.ObserveExtraction(r.spider.Name, report.Accepted, report.Rejected, report.Duplicates)
	r.logger.Info("page extracted",
		zap.String("url", pageURL),
		zap.Int("page", page),
		zap.Int("accepted", report.Accepted),
		zap.Int("rejected", report.Rejected),
		zap.Int("duplicates", report.Duplicates),
	)
	if r.opts.OnPage != nil {
		r.opts.OnPage(report)
	}
	return r.nextPages(doc, pageURL), nil
}

func (r *walk) extract(doc *goquery.Document, pageURL string, page int) PageReport {
	sel := r.spider.Selectors
	report := PageReport{URL: pageURL, Page: page}
	var accepted []crawler.Record

	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		raw := crawler.RawRecord{
			Title:    text(item.Find(sel.Title).First()),
			Category: text(item.Find(sel.Category).First()),
			Price:    text(item.Find(sel.Price).First()),
		}
		captions := item.Find(sel.Caption)
		raw.Duration = text(captions.Eq(0))
		raw.Location = text(captions.Eq(1))

		if href, ok := item.Attr("href"); ok && strings.TrimSpace(href) != "" {
			link := r.norm.ResolveURL(href)
			if !r.items.MarkIfNew(link) {
				report.Duplicates++
				return
			}
			raw.URL = &link
		}

		rec, err := r.norm.Normalize(raw)
		if err != nil {
			report.Rejected++
			r.logger.Debug("item rejected", zap.String("url", pageURL), zap.Error(err))
			return
		}
		accepted = append(accepted, rec)
	})
	report.Accepted = len(accepted)

	r.mu.Lock()
	r.result.Records = append(r.result.Records, accepted...)
	r.result.Rejected += report.Rejected
	r.result.Duplicates += report.Duplicates
	r.result.Pages++
	report.Total = len(r.result.Records)
	r.mu.Unlock()
	return report
}

func (r *walk) nextPages(doc *goquery.Document, pageURL string) []string {
	current, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	self := crawler.URLKey(pageURL)
	var links []string
	doc.Find(r.spider.Selectors.NextPage).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		link, ok := crawler.ResolveURL(current, href)
		if !ok || crawler.URLKey(link) == self {
			return
		}
		links = append(links, link)
	})
	return links
}

func (r *walk) archivePage(ctx context.Context, page crawler.Page) {
	if r.archive == nil || r.hasher == nil {
		return
	}
	body := []byte(page.HTML)
	hash, err := r.hasher.Hash(body)
	if err != nil {
		r.logger.Warn("snapshot hash failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	uri, err := r.archive.PutObject(ctx, r.snapshotPath(hash), r.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("snapshot upload failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	r.logger.Debug("snapshot stored", zap.String("url", page.URL), zap.String("blob_uri", uri))
}

func (r *walk) snapshotPath(hash string) string {
	runID := r.opts.RunID
	if runID == "" {
		runID = "adhoc"
	}
	prefix := strings.Trim(r.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", runID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, runID, hash)
}

func (r *walk) snapshot() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.result
	out.Records = append([]crawler.Record(nil), r.result.Records...)
	return out
}

func text(s *goquery.Selection) *string {
	if s.Length() == 0 {
		return nil
	}
	v := s.Text()
	return &v
}
