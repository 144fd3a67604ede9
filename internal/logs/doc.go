// Package logs reads the daemon log file for the tail endpoint and the
// `afterwatch logs` command.
//
// Reads are paged by byte offset so a follower can resume where the previous
// page ended, and a bounded ring buffer serves "last N lines" requests
// without loading the whole file.
package logs
