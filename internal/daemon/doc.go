// Package daemon hosts the long-running afterwatch process: it enforces
// single-instance execution with a lock file, recovers runs interrupted by a
// crash, schedules the nightly run, and serves the HTTP API the CLI talks to.
package daemon
