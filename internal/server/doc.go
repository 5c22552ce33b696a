// Package server hosts camwatch's HTTP surface from a single HTTP server.
//
// The server builds a consistent middleware chain of logging, request IDs,
// metrics, rate limiting, CORS and security headers so handlers all share
// common protections and instrumentation.
//
// It serves the camera ingest upgrade, the stream and snapshot endpoints, the
// status and control API and the metrics endpoint behind one multiplexer.
package server
