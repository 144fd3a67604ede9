// Package pipeline executes the per-episode reclamation sequence: disable
// monitoring in the download manager, remove the watched source file, write a
// zero-byte placeholder in its place, and ask the download manager to rename
// the placeholder into its catalog.
//
// Each step transition is persisted before the next step starts, so a crash or
// failure resumes exactly where it stopped. In test mode the pipeline walks
// the same steps against a no-op gateway without touching episode rows or the
// filesystem.
package pipeline
