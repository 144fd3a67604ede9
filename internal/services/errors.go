package services

import (
	"errors"
	"fmt"
	"strings"

	"afterwatch/internal/ledger"
)

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrGateway          = errors.New("gateway error")
	ErrFilesystem       = errors.New("filesystem error")
	ErrStateConsistency = errors.New("state consistency error")
	ErrConcurrency      = errors.New("concurrency error")
	ErrNotFound         = errors.New("not found")
	// ErrPermanent marks a failure that retrying cannot fix, such as a file
	// path outside every configured media root. It is combined with one of the
	// markers above via nested wrapping.
	ErrPermanent = errors.New("permanent failure")
)

// Wrap builds an error message that includes step context while tagging it with
// the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrGateway
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Permanent layers the permanent marker on top of an already-classified error
// so callers can keep matching the original kind with errors.Is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether retrying err could ever succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// FailureState maps a step error to the episode state the pipeline should
// persist after the step fails. Permanent faults park the episode as skipped;
// everything else stays retryable.
func FailureState(err error) ledger.State {
	if errors.Is(err, ErrPermanent) {
		return ledger.StateSkipped
	}
	return ledger.StateFailed
}

// Kind names the taxonomy bucket an error belongs to, for run report detail.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrGateway):
		return "gateway"
	case errors.Is(err, ErrFilesystem):
		return "filesystem"
	case errors.Is(err, ErrStateConsistency):
		return "state_consistency"
	case errors.Is(err, ErrConcurrency):
		return "concurrency"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
