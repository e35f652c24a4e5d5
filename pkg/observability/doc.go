// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing setup, and graceful shutdown coordination for the
// gatehouse server.
package observability
