// Package api hosts the operator HTTP server that runs alongside a scrape.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for a JSON snapshot of the current season run.
package api
