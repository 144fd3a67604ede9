package runner

import (
	"sync"
	"time"

	"afterwatch/internal/ledger"
)

// Phase names the part of the run sequence currently executing.
type Phase string

const (
	PhaseEvaluating  Phase = "evaluating"
	PhaseProcessing  Phase = "processing"
	PhaseReconciling Phase = "reconciling"
	PhaseFinalizing  Phase = "finalizing"
)

// Progress is a point-in-time snapshot of the in-flight run, exposed through
// the status surfaces while the counters are still moving.
type Progress struct {
	RunID     string
	Mode      ledger.RunMode
	Trigger   string
	Phase     Phase
	StartedAt time.Time
	Queued    int
	Done      int
	Processed int
	Failed    int
	Skipped   int
	Pending   int
	Orphaned  int
	Bytes     int64
	Current   string
}

// tracker guards the live snapshot. The run goroutine writes; status readers
// take copies.
type tracker struct {
	mu     sync.Mutex
	active bool
	state  Progress
}

func newTracker() *tracker { return &tracker{} }

func (t *tracker) begin(run *ledger.Run, started time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
	t.state = Progress{
		RunID:     run.ID,
		Mode:      run.Mode,
		Trigger:   run.Trigger,
		Phase:     PhaseEvaluating,
		StartedAt: started,
	}
}

func (t *tracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
}

func (t *tracker) setPhase(phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Phase = phase
}

func (t *tracker) setQueued(queued, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Queued = queued
	t.state.Pending = pending
}

func (t *tracker) setCurrent(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Current = label
}

func (t *tracker) setOrphans(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Orphaned = count
}

func (t *tracker) observe(outcome ledger.Outcome, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Done++
	t.state.Current = ""
	switch outcome {
	case ledger.OutcomeProcessed, ledger.OutcomeSimulated:
		t.state.Processed++
		t.state.Bytes += bytes
	case ledger.OutcomeSkipped:
		t.state.Skipped++
	case ledger.OutcomeFailed:
		t.state.Failed++
	}
}

func (t *tracker) current() (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.active
}
