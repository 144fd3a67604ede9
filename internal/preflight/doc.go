// Package preflight probes the external services and filesystem paths the
// daemon depends on.
//
// The checks run in two contexts: the daemon logs them once at startup so a
// misconfigured gateway is visible before the first run trips over it, and
// the CLI "afterwatch config check" command renders them on demand.
package preflight
