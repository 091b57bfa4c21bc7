package progress

import "context"

// Sink receives flushed batches from the Hub. The Hub calls Consume from its
// single goroutine with a SinkTimeout-bounded context; a returned error is
// logged and the batch is not retried. Close runs once, after the last batch.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what run workers see of the Hub.
type Emitter interface {
	Emit(evt Event)
}

// SinkFunc adapts a function to a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close does nothing.
func (SinkFunc) Close(context.Context) error {
	return nil
}
