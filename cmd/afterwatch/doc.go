// Package main hosts the afterwatch CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon API, with a direct ledger-database fallback for
// inspection commands when the daemon is down. It centralizes configuration
// resolution and API address discovery so subcommands can focus on output.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
