// Package emby is the gateway to the media server's HTTP API.
//
// The client reads virtual folders, user accounts, and per-viewer watch
// history; it never mutates server state. Watch history is flattened into
// per-episode, per-viewer facts so the eligibility evaluator can reason about
// "every required viewer finished this episode" without knowing anything about
// the wire format. Items that are already placeholders are filtered out here,
// before they ever reach the pipeline.
package emby
