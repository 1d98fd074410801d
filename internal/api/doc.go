// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /progress (also /api/progress) for completed/total counts, the
//     retry list, and in-flight browser process handles.
//   - GET /api/results for the results recorded so far, when an
//     inspectable sink is configured.
package api
