// Package headless renders listing pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 60 * time.Second
	defaultWaitTimeout       = 10 * time.Second
	defaultScrollAttempts    = 5
	defaultSettleDelay       = 2 * time.Second
)

// Config controls the behavior of the headless renderer.
type Config struct {
	// MaxParallel bounds concurrently open tabs; 0 means unbounded.
	MaxParallel int
	UserAgent   string
	// NavigationTimeout caps one whole page render.
	NavigationTimeout time.Duration
	// WaitTimeout caps the wait for the first listing item.
	WaitTimeout    time.Duration
	ScrollAttempts int
	SettleDelay    time.Duration
}

// Renderer implements crawler.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless renderer backed by chromedp.
func NewChromedp(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ScrollAttempts < 0 {
		return nil, fmt.Errorf("scroll attempts must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var tabs *semaphore.Weighted
	if cfg.MaxParallel > 0 {
		tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		tabs:        tabs,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context and kills any remaining browser.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Render navigates to the page, waits for listing items, scrolls until no new
// items load and returns the final DOM. The tab is closed on every path.
func (r *Renderer) Render(ctx context.Context, request crawler.RenderRequest) (crawler.Page, error) {
	if err := r.acquire(ctx); err != nil {
		return crawler.Page{}, &crawler.RenderError{URL: request.URL, Op: "acquire", Err: err}
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.navTimeout())
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	start := time.Now()
	fail := func(op string, err error) (crawler.Page, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return crawler.Page{}, &crawler.RenderError{URL: request.URL, Op: op, Err: err}
	}

	if err := chromedp.Run(tabCtx, r.networkSetupAction(), chromedp.Navigate(request.URL)); err != nil {
		return fail("navigate", err)
	}

	waitCtx, waitCancel := context.WithTimeout(tabCtx, r.waitTimeout())
	err := chromedp.Run(waitCtx, chromedp.WaitVisible(request.ItemSelector, chromedp.ByQuery))
	waitCancel()
	if err != nil {
		return fail("wait for items", err)
	}

	count, err := scrollUntilStable(tabCtx, r.scrollAttempts(), r.settleDelay(),
		func(ctx context.Context) (int, error) {
			var n int
			expr := fmt.Sprintf("document.querySelectorAll(%q).length", request.ItemSelector)
			if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &n)); err != nil {
				return 0, fmt.Errorf("count items: %w", err)
			}
			return n, nil
		},
		func(ctx context.Context) error {
			var height float64
			expr := "window.scrollTo(0, document.body.scrollHeight); document.body.scrollHeight"
			if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &height)); err != nil {
				return fmt.Errorf("scroll: %w", err)
			}
			return nil
		},
	)
	if err != nil {
		return fail("scroll", err)
	}

	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return fail("read html", err)
	}

	r.logger.Debug("page rendered",
		zap.String("url", request.URL),
		zap.Int("items", count),
		zap.Duration("duration", time.Since(start)),
	)
	return crawler.Page{
		URL:       request.URL,
		HTML:      html,
		ItemCount: count,
		Duration:  time.Since(start),
	}, nil
}

// scrollUntilStable counts items, stops once two consecutive counts match,
// otherwise scrolls and waits for the settle delay. At most attempts rounds
// run. It returns the last count observed.
func scrollUntilStable(
	ctx context.Context,
	attempts int,
	settle time.Duration,
	count func(context.Context) (int, error),
	scroll func(context.Context) error,
) (int, error) {
	last := -1
	for i := 0; i < attempts; i++ {
		current, err := count(ctx)
		if err != nil {
			return last, err
		}
		if current == last {
			return current, nil
		}
		last = current
		if err := scroll(ctx); err != nil {
			return last, err
		}
		if err := sleep(ctx, settle); err != nil {
			return last, err
		}
	}
	if last < 0 {
		last = 0
	}
	return last, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.tabs == nil {
		return nil
	}
	if err := r.tabs.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("headless slot wait canceled: %w", err)
	}
	return nil
}

func (r *Renderer) release() {
	if r.tabs != nil {
		r.tabs.Release(1)
	}
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (r *Renderer) waitTimeout() time.Duration {
	if r.cfg.WaitTimeout > 0 {
		return r.cfg.WaitTimeout
	}
	return defaultWaitTimeout
}

func (r *Renderer) scrollAttempts() int {
	if r.cfg.ScrollAttempts > 0 {
		return r.cfg.ScrollAttempts
	}
	return defaultScrollAttempts
}

func (r *Renderer) settleDelay() time.Duration {
	if r.cfg.SettleDelay > 0 {
		return r.cfg.SettleDelay
	}
	return defaultSettleDelay
}
