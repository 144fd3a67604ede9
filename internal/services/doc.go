// Package services defines shared utilities consumed by the pipeline steps
// and the external gateway clients.
//
// Key responsibilities:
//   - Context helpers that stamp episode IDs, run IDs, step names, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent episode states (failed vs skipped) and run report
//     detail.
//
// Use these helpers when wiring new step logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
