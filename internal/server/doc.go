// Package server hosts the upload API and finished HLS media from a single
// HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// metrics, rate limiting, CORS, and security headers so handlers all share
// common protections and instrumentation. Besides the API routes it exposes
// /metrics for scraping and serves published HLS output under /media/.
package server
