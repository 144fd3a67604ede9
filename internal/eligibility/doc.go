// Package eligibility decides which episodes qualify for processing.
//
// The evaluator is pure: it takes one library's configuration, the watch
// facts fetched from the media server, and any prior ledger records, and
// partitions the fully-watched episodes into actionable (delay elapsed) and
// pending (still waiting out the delay). Persisting the outcome is the run
// coordinator's job.
package eligibility
