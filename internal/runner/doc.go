// Package runner owns the end-to-end processing run: the single-flight
// guarantee, the sequence from watch-fact evaluation through pipeline
// processing to the reconciliation sweeps, and the durable run report.
//
// One run executes at a time. The in-process flag rejects a second start
// immediately; the database lease extends the same guarantee across
// processes and survives crashes through a heartbeat timeout. Cancellation
// is honored between episodes, never in the middle of one, so an episode is
// never left with unrecorded side effects.
package runner
