// Package api hosts the HTTP server, middleware, and handlers for run control.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /promote to create and start a run.
//   - GET /status and GET /report, addressed by run_id or by project_id with
//     url or link_id, for UI polling.
//   - POST /cancel?run_id= to stop a run.
package api
