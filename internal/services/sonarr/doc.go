// Package sonarr is the gateway to the download manager's v3 HTTP API.
//
// The pipeline uses it to stop an episode from being re-fetched once its file
// has been replaced with a placeholder: resolve the episode's identifiers
// from its file path, flip monitoring flags, and trigger the refresh/rename
// pair that folds the placeholder into the manager's naming scheme. Monitored
// flag writes round-trip the full resource untouched apart from the flag, and
// report AlreadyInState instead of re-writing a flag that is already clear.
package sonarr
