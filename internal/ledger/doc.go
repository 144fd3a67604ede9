// Package ledger persists episode lifecycle state in SQLite and exposes
// helpers for driving it.
//
// The Store manages database connections, schema migrations, run reports,
// persisted settings, library configurations, and the single-flight run
// lease. Episode records capture watch facts, pipeline position, failure
// bookkeeping, and per-transition timestamps so a run can resume exactly
// where a crash or step failure left off.
//
// State moves only forward through the transition graph in models.go; Update
// rejects backward writes and detects concurrent modification. Run reports
// become immutable the moment they are finalized.
//
// Treat this package as the single source of truth for episode semantics;
// when you add states or columns, add a numbered migration file instead of
// editing an applied one.
package ledger
