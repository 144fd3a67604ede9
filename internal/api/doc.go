// Package api defines wire-format types and converters for the daemon's HTTP
// API, plus the client the CLI uses to talk to it. It translates ledger and
// runner models into transport-friendly DTOs so consumers never couple to
// internal types.
package api
