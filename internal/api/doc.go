// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /crawl/{spider_name} queues a crawl run; GET /crawl/status/{run_id}
//     and GET /crawl/runs report on runs.
//   - GET /records, /records/urls and /records/{id} read stored ateliers;
//     POST /records/batch inserts new ones; DELETE /records clears the store.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus scraping.
package api
