// Package sinks implements progress consumers: structured logs, Prometheus
// run metrics and Pub/Sub run notifications. Each satisfies progress.Sink.
package sinks
