// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown helpers for the gatehouse auth core.
//
// Components receive a *Logger and *Metrics at construction time; nothing in
// this package (or anywhere else in gatehouse) relies on process-global state,
// so multiple instances can coexist in one process (e.g. in tests).
package observability
