package headless

import (
	"context"

	"github.com/JakeFAU/atelier-crawler/internal/crawler"
)

// Noop satisfies crawler.Renderer when no browser is available; every
// render fails with crawler.ErrRendererDisabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails.
func (Noop) Render(_ context.Context, request crawler.RenderRequest) (crawler.Page, error) {
	return crawler.Page{}, &crawler.RenderError{URL: request.URL, Op: "render", Err: crawler.ErrRendererDisabled}
}
