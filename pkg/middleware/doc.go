// Package middleware adapts the auth core to HTTP: bearer extraction,
// authentication with guest fallback, permission gates and per-user rate
// limiting. Handlers are gorilla/mux compatible.
package middleware
