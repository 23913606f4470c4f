// Package api hosts the HTTP server, middleware, and REST handlers over the
// admission controller and the job registry. Notable routes:
//   - POST /v1/jobs submits a crawl job for the user named in X-User-ID.
//   - POST /v1/jobs/{job_id}/cancel and GET /v1/jobs/{job_id} act on one job.
//   - GET /v1/users/{user_id}/jobs pages through a user's jobs.
//   - GET /v1/cache/stats reports the quota cache counters.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
