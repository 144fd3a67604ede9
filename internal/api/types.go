package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Run is the transport representation of one processing run report.
type Run struct {
	ID               string `json:"id"`
	Mode             string `json:"mode"`
	Trigger          string `json:"trigger"`
	Status           string `json:"status"`
	StartedAt        string `json:"startedAt,omitempty"`
	FinishedAt       string `json:"finishedAt,omitempty"`
	Processed        int    `json:"processed"`
	Failed           int    `json:"failed"`
	Skipped          int    `json:"skipped"`
	Pending          int    `json:"pending"`
	Orphaned         int    `json:"orphaned"`
	SeasonsCompleted int    `json:"seasonsCompleted"`
	BytesReclaimed   int64  `json:"bytesReclaimed"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}

// RunOutcome is one ordered entry of a run report.
type RunOutcome struct {
	Seq         int      `json:"seq"`
	EpisodeID   int64    `json:"episodeId,omitempty"`
	LibraryID   string   `json:"libraryId"`
	SeriesTitle string   `json:"seriesTitle"`
	Code        string   `json:"code"`
	Season      int      `json:"season"`
	Episode     int      `json:"episode"`
	Outcome     string   `json:"outcome"`
	Detail      string   `json:"detail,omitempty"`
	WatchedBy   []string `json:"watchedBy,omitempty"`
	Bytes       int64    `json:"bytes"`
}

// RunProgress is a live snapshot of an in-flight run.
type RunProgress struct {
	RunID     string `json:"runId"`
	Mode      string `json:"mode"`
	Trigger   string `json:"trigger"`
	Phase     string `json:"phase"`
	StartedAt string `json:"startedAt,omitempty"`
	Queued    int    `json:"queued"`
	Done      int    `json:"done"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Pending   int    `json:"pending"`
	Orphaned  int    `json:"orphaned"`
	Bytes     int64  `json:"bytes"`
	Current   string `json:"current,omitempty"`
}

// Episode is the transport representation of one ledger record.
type Episode struct {
	ID              int64    `json:"id"`
	LibraryID       string   `json:"libraryId"`
	MediaID         string   `json:"mediaId"`
	SeriesTitle     string   `json:"seriesTitle"`
	Code            string   `json:"code"`
	Season          int      `json:"season"`
	Episode         int      `json:"episode"`
	Title           string   `json:"title,omitempty"`
	State           string   `json:"state"`
	FailedStep      string   `json:"failedStep,omitempty"`
	WatchedBy       []string `json:"watchedBy,omitempty"`
	EligibleSince   string   `json:"eligibleSince,omitempty"`
	FilePath        string   `json:"filePath,omitempty"`
	PlaceholderPath string   `json:"placeholderPath,omitempty"`
	BytesReclaimed  int64    `json:"bytesReclaimed,omitempty"`
	LastError       string   `json:"lastError,omitempty"`
	SkipReason      string   `json:"skipReason,omitempty"`
	AttemptCount    int      `json:"attemptCount,omitempty"`
	UpdatedAt       string   `json:"updatedAt,omitempty"`
}

// Orphan flags one record whose disk state disagrees with the ledger.
type Orphan struct {
	Episode Episode `json:"episode"`
	Reason  string  `json:"reason"`
}

// Settings mirrors the persisted run settings row.
type Settings struct {
	TestMode       bool   `json:"testMode"`
	ScheduleHour   int    `json:"scheduleHour"`
	ScheduleMinute int    `json:"scheduleMinute"`
	DelayDays      int    `json:"delayDays"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
}

// Library mirrors one persisted library processing config.
type Library struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	RequiredViewers []string `json:"requiredViewers"`
	ExcludedViewers []string `json:"excludedViewers,omitempty"`
	UpdatedAt       string   `json:"updatedAt,omitempty"`
}

// Stats aggregates the ledger for the stats endpoint and CLI status view.
type Stats struct {
	Episodes       int            `json:"episodes"`
	Complete       int            `json:"complete"`
	Pending        int            `json:"pending"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	BytesReclaimed int64          `json:"bytesReclaimed"`
	States         map[string]int `json:"states"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool         `json:"running"`
	PID          int          `json:"pid"`
	LedgerDBPath string       `json:"ledgerDbPath"`
	LockFilePath string       `json:"lockFilePath"`
	TestMode     bool         `json:"testMode"`
	Schedule     string       `json:"schedule"`
	ActiveRun    *RunProgress `json:"activeRun,omitempty"`
	LastRun      *Run         `json:"lastRun,omitempty"`
	Stats        Stats        `json:"stats"`
}

// StartRunRequest asks the daemon to begin a run. Mode forces test or live
// for this run only; empty uses the persisted setting.
type StartRunRequest struct {
	Mode        string `json:"mode,omitempty"`
	BypassDelay bool   `json:"bypassDelay,omitempty"`
}

// StartRunResponse acknowledges a started run.
type StartRunResponse struct {
	RunID string `json:"runId"`
}

// RunListResponse wraps a collection of run reports.
type RunListResponse struct {
	Runs []Run `json:"runs"`
}

// RunDetailResponse carries one run report with its outcome rows and, for an
// in-flight run, a live progress snapshot.
type RunDetailResponse struct {
	Run      Run          `json:"run"`
	Outcomes []RunOutcome `json:"outcomes"`
	Progress *RunProgress `json:"progress,omitempty"`
}

// PendingResponse lists episodes waiting out the grace delay together with
// the delay they are waiting on.
type PendingResponse struct {
	Episodes  []Episode `json:"episodes"`
	DelayDays int       `json:"delayDays"`
}

// OrphanListResponse wraps the on-demand orphan scan result.
type OrphanListResponse struct {
	Orphans []Orphan `json:"orphans"`
}

// LibraryListResponse wraps the configured libraries.
type LibraryListResponse struct {
	Libraries []Library `json:"libraries"`
}

// LogTailResponse carries one page of daemon log lines. Offset is the file
// position to pass back to continue reading where this page ended.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// ErrorResponse is the uniform error payload for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
