package ledger

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates an update tried to move an episode
	// backward or across a missing edge in the transition graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStateConflict indicates the record changed between read and write.
	ErrStateConflict = errors.New("state changed concurrently")
	// ErrLeaseHeld indicates another run currently holds the run lease.
	ErrLeaseHeld = errors.New("run lease held")
	// ErrLeaseLost indicates a lease renewal found the lease no longer owned
	// by the renewing run.
	ErrLeaseLost = errors.New("run lease lost")
	// ErrRunFinalized indicates a write was attempted against a finished run.
	ErrRunFinalized = errors.New("run already finalized")
)
