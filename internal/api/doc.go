// Package api hosts the HTTP server, middleware, and REST handlers for the
// trust crawler. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/search?q= for conjunctive keyword search ordered by trust.
//   - POST /v1/pages to submit a trusted page, behind an optional API key.
//   - GET /v1/crawl/status for crawl progress.
package api
