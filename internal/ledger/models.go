package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle of an episode record.
type State string

const (
	StateDiscovered         State = "discovered"
	StatePendingDelay       State = "pending_delay"
	StateActionable         State = "actionable"
	StateUnmonitored        State = "unmonitored"
	StateFileDeleted        State = "file_deleted"
	StatePlaceholderCreated State = "placeholder_created"
	StateRenameTriggered    State = "rename_triggered"
	StateComplete           State = "complete"
	StateFailed             State = "failed"
	StateSkipped            State = "skipped"
)

// Step identifies the pipeline step an episode failed at, persisted so a
// retry resumes exactly where the previous attempt stopped.
type Step string

const (
	StepUnmonitor   Step = "unmonitor"
	StepDelete      Step = "delete"
	StepPlaceholder Step = "placeholder"
	StepRename      Step = "rename"
)

var allStates = []State{
	StateDiscovered,
	StatePendingDelay,
	StateActionable,
	StateUnmonitored,
	StateFileDeleted,
	StatePlaceholderCreated,
	StateRenameTriggered,
	StateComplete,
	StateFailed,
	StateSkipped,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// allowedTransitions is the directed transition graph. State never moves
// backward: a failed episode re-enters the step sequence at or after the step
// it failed on, never before it.
var allowedTransitions = map[State][]State{
	StateDiscovered:         {StatePendingDelay, StateActionable, StateFailed, StateSkipped},
	StatePendingDelay:       {StateActionable, StateFailed, StateSkipped},
	StateActionable:         {StateUnmonitored, StateFailed, StateSkipped},
	StateUnmonitored:        {StateFileDeleted, StateFailed, StateSkipped},
	StateFileDeleted:        {StatePlaceholderCreated, StateFailed, StateSkipped},
	StatePlaceholderCreated: {StateRenameTriggered, StateFailed, StateSkipped},
	StateRenameTriggered:    {StateComplete, StateFailed, StateSkipped},
	StateFailed:             {StateUnmonitored, StateFileDeleted, StatePlaceholderCreated, StateRenameTriggered, StateComplete, StateSkipped},
	StateComplete:           {},
	StateSkipped:            {},
}

// retryableStates are the states a run re-enqueues: actionable work plus
// anything parked mid-pipeline by a crash or step failure.
var retryableStates = []State{
	StateActionable,
	StateUnmonitored,
	StateFileDeleted,
	StatePlaceholderCreated,
	StateRenameTriggered,
	StateFailed,
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// RetryableStates returns the states a processing run picks work from.
func RetryableStates() []State {
	cp := make([]State, len(retryableStates))
	copy(cp, retryableStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// CanTransition reports whether moving from one state to another is legal.
// Writing the same state back (refreshing watch data, errors, counters) is
// always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state ends the episode lifecycle.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateSkipped
}

// Episode represents one tracked episode file persisted in SQLite. Identity
// is (LibraryID, MediaID); the download manager ids are resolved lazily and
// cached on the record.
type Episode struct {
	ID              int64
	LibraryID       string
	MediaID         string
	SeriesID        int64
	EpisodeRef      int64
	SeriesTitle     string
	Season          int
	Episode         int
	Title           string
	State           State
	FailedStep      Step
	WatchedBy       []string
	EligibleSince   *time.Time
	FilePath        string
	PlaceholderPath string
	BytesReclaimed  int64
	LastError       string
	SkipReason      string
	AttemptCount    int
	RunID           string
	ActionableAt    *time.Time
	UnmonitoredAt   *time.Time
	DeletedAt       *time.Time
	PlaceholderAt   *time.Time
	RenamedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key returns the stable identity string used in logs and reports.
func (e *Episode) Key() string {
	return e.LibraryID + "/" + e.MediaID
}

// Code formats the season/episode pair as S01E02.
func (e *Episode) Code() string {
	return fmt.Sprintf("S%02dE%02d", e.Season, e.Episode)
}

// SetFailed marks the episode as failed at the given step.
func (e *Episode) SetFailed(step Step, message string) {
	e.State = StateFailed
	e.FailedStep = step
	e.LastError = message
}

// SetSkipped parks the episode permanently with a reason.
func (e *Episode) SetSkipped(reason string) {
	e.State = StateSkipped
	e.SkipReason = reason
}

// MarkMilestone advances the episode to a forward pipeline state and records
// the transition timestamp. Failure bookkeeping from earlier attempts is
// cleared because the step now succeeded.
func (e *Episode) MarkMilestone(state State, now time.Time) {
	e.State = state
	e.FailedStep = ""
	e.LastError = ""
	ts := now.UTC()
	switch state {
	case StateActionable:
		e.ActionableAt = &ts
	case StateUnmonitored:
		e.UnmonitoredAt = &ts
	case StateFileDeleted:
		e.DeletedAt = &ts
	case StatePlaceholderCreated:
		e.PlaceholderAt = &ts
	case StateRenameTriggered:
		e.RenamedAt = &ts
	case StateComplete:
		e.CompletedAt = &ts
	}
}

// RunMode distinguishes simulated runs from ones that mutate external state.
type RunMode string

const (
	RunModeTest RunMode = "test"
	RunModeLive RunMode = "live"
)

// RunStatus tracks the lifecycle of a processing run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Run is the durable report of one processing run. Once the status leaves
// running the row is immutable.
type Run struct {
	ID               string
	Mode             RunMode
	Trigger          string
	Status           RunStatus
	StartedAt        time.Time
	FinishedAt       *time.Time
	Processed        int
	Failed           int
	Skipped          int
	Pending          int
	Orphaned         int
	SeasonsCompleted int
	BytesReclaimed   int64
	ErrorMessage     string
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	return r.Status != RunStatusRunning
}

// Outcome classifies what a run decided about one episode.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomePending   Outcome = "pending"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomeSimulated Outcome = "simulated"
)

// RunOutcome is one ordered entry in a run report.
type RunOutcome struct {
	ID          int64
	RunID       string
	Seq         int
	EpisodeID   int64
	LibraryID   string
	SeriesTitle string
	Season      int
	Episode     int
	Outcome     Outcome
	Detail      string
	WatchedBy   []string
	Bytes       int64
	CreatedAt   time.Time
}

// Settings is the persisted singleton controlling run behaviour. A run
// snapshots it once at start; later edits apply to the next run.
type Settings struct {
	TestMode       bool
	ScheduleHour   int
	ScheduleMinute int
	DelayDays      int
	UpdatedAt      time.Time
}

// Mode maps the test flag to a run mode.
func (s Settings) Mode() RunMode {
	if s.TestMode {
		return RunModeTest
	}
	return RunModeLive
}

// Delay returns the configured grace period between full watch and action.
func (s Settings) Delay() time.Duration {
	return time.Duration(s.DelayDays) * 24 * time.Hour
}

// Validate rejects out-of-range settings values.
func (s Settings) Validate() error {
	if s.DelayDays < 0 {
		return errors.New("delay_days must be >= 0")
	}
	if s.ScheduleHour < 0 || s.ScheduleHour > 23 {
		return errors.New("schedule_hour must be between 0 and 23")
	}
	if s.ScheduleMinute < 0 || s.ScheduleMinute > 59 {
		return errors.New("schedule_minute must be between 0 and 59")
	}
	return nil
}

// LibraryConfig describes one media library's processing rules.
type LibraryConfig struct {
	ID              string
	Name            string
	Enabled         bool
	RequiredViewers []string
	ExcludedViewers []string
	UpdatedAt       time.Time
}

// Validate rejects structurally invalid library configs. Overlapping viewer
// sets are always an error; an enabled library additionally needs at least
// one required viewer, otherwise nothing could ever become eligible.
func (l LibraryConfig) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("library id must be set")
	}
	excluded := make(map[string]struct{}, len(l.ExcludedViewers))
	for _, viewer := range l.ExcludedViewers {
		excluded[viewer] = struct{}{}
	}
	for _, viewer := range l.RequiredViewers {
		if _, overlap := excluded[viewer]; overlap {
			return fmt.Errorf("viewer %q is both required and excluded", viewer)
		}
	}
	if l.Enabled && len(l.RequiredViewers) == 0 {
		return fmt.Errorf("library %q has no required viewers; no episode could ever become eligible", l.ID)
	}
	return nil
}

// Lease is the durable single-flight guard for processing runs.
type Lease struct {
	RunID       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// Stale reports whether the lease heartbeat is older than the timeout.
func (l Lease) Stale(now time.Time, timeout time.Duration) bool {
	if l.RunID == "" {
		return false
	}
	return now.Sub(l.HeartbeatAt) > timeout
}
