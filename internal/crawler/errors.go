package crawler

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnknownSpider is returned when a spider name is not registered.
	ErrUnknownSpider = errors.New("unknown spider")
	// ErrRendererDisabled signals that no renderer is configured.
	ErrRendererDisabled = errors.New("renderer disabled")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// RenderError reports a navigation, selector-wait or timeout failure for one page.
type RenderError struct {
	URL string
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by a deadline.
func (e *RenderError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// IsRenderTimeout reports whether err carries a timed-out RenderError.
func IsRenderTimeout(err error) bool {
	var renderErr *RenderError
	if errors.As(err, &renderErr) {
		return renderErr.Timeout()
	}
	return false
}
