// Package server implements the HTTP surface of hookdeploy.
//
// This package provides:
//   - GitHub webhook endpoint with HMAC-SHA256 signature verification
//   - Manual deploy endpoint guarded by an API key
//   - Health, status and Prometheus metrics endpoints
//   - Per-IP rate limiting and structured request logging
//
// The server integrates with other packages:
//   - internal/target: repository to target resolution
//   - internal/deployment: the orchestrator that runs pipelines
//   - internal/history: audit records served by /status
//
// Security features:
//   - Signatures are verified over the raw body before it is parsed
//   - An empty webhook secret or API key rejects every request
//   - Content-Type validation (JSON or form-encoded)
//   - Payload size limits (1MB max)
//   - Rate limiting (global and per-deploy endpoint)
//   - Per-target deployment locking (prevents concurrent deployments)
package server
