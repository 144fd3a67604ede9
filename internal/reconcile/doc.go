// Package reconcile runs the post-batch sweeps: season-level unmonitoring
// once every episode of a season has been reclaimed, and read-only orphan
// detection for records whose placeholder or source file no longer matches
// the stored state.
package reconcile
