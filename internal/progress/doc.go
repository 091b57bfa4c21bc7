// Package progress provides the run event primitives, a non-blocking hub and
// the emitter interface the run tracker and workers use to report crawl
// progress. It batches events on a background goroutine and fans them out to
// pluggable sinks such as structured logs, Prometheus metrics or Pub/Sub
// notifications.
package progress
