package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/services"
	"afterwatch/internal/services/sonarr"
)

// DownloadManager is the slice of the download-manager gateway the pipeline
// depends on. *sonarr.Client satisfies it.
type DownloadManager interface {
	ResolveEpisode(ctx context.Context, path string, season, episode int) (sonarr.Ref, error)
	UnmonitorEpisode(ctx context.Context, episodeID int64) (sonarr.Outcome, error)
	TriggerRename(ctx context.Context, seriesID int64, placeholderPath string) (sonarr.Outcome, error)
}

// stepTimeout bounds each step including the rename settle wait. A timeout is
// reported the same way as any other step failure.
const stepTimeout = 2 * time.Minute

// Result reports what the pipeline decided about one episode. When Simulated
// is set the stored row was not modified and FinalState echoes the pre-run
// state.
type Result struct {
	Episode    *ledger.Episode
	FinalState ledger.State
	Detail     string
	Bytes      int64
	Simulated  bool
	Err        error
}

// Pipeline walks claimed episodes through the reclamation steps.
type Pipeline struct {
	store    *ledger.Store
	manager  DownloadManager
	files    fileOps
	logger   *slog.Logger
	roots    []string
	ext      string
	simulate bool
	now      func() time.Time
}

// New builds a pipeline. When simulate is set the download manager is replaced
// with a no-op gateway and file operations only stat, never mutate.
func New(store *ledger.Store, manager DownloadManager, cfg *config.Config, logger *slog.Logger, simulate bool) *Pipeline {
	p := &Pipeline{
		store:    store,
		manager:  manager,
		files:    liveFiles{},
		logger:   logging.NewComponentLogger(logger, "pipeline"),
		simulate: simulate,
		now:      time.Now,
	}
	if cfg != nil {
		p.roots = cfg.Processing.MediaRoots
		p.ext = cfg.Processing.PlaceholderExtension
	}
	if p.ext == "" {
		p.ext = ".strm"
	}
	if simulate {
		p.manager = noopManager{}
		p.files = dryFiles{}
	}
	return p
}

type step struct {
	name      ledger.Step
	milestone ledger.State
	run       func(ctx context.Context, ep *ledger.Episode) (string, error)
}

func (p *Pipeline) steps() []step {
	return []step{
		{ledger.StepUnmonitor, ledger.StateUnmonitored, p.runUnmonitor},
		{ledger.StepDelete, ledger.StateFileDeleted, p.runDelete},
		{ledger.StepPlaceholder, ledger.StatePlaceholderCreated, p.runPlaceholder},
		{ledger.StepRename, ledger.StateRenameTriggered, p.runRename},
	}
}

// startIndex maps the episode's current position to the first step that still
// has to run. Failed episodes re-enter at the step they failed on.
func startIndex(ep *ledger.Episode) (int, error) {
	switch ep.State {
	case ledger.StateActionable:
		return 0, nil
	case ledger.StateUnmonitored:
		return 1, nil
	case ledger.StateFileDeleted:
		return 2, nil
	case ledger.StatePlaceholderCreated:
		return 3, nil
	case ledger.StateRenameTriggered:
		return 4, nil
	case ledger.StateFailed:
		switch ep.FailedStep {
		case ledger.StepUnmonitor:
			return 0, nil
		case ledger.StepDelete:
			return 1, nil
		case ledger.StepPlaceholder:
			return 2, nil
		case ledger.StepRename:
			return 3, nil
		default:
			// Failed without a recorded step: restart from the top, every
			// step tolerates re-execution.
			return 0, nil
		}
	default:
		return 0, services.Wrap(services.ErrStateConsistency, "pipeline", "start",
			fmt.Sprintf("episode %d in state %s is not processable", ep.ID, ep.State), nil)
	}
}

// Process runs the remaining steps for one claimed episode. The returned
// result is always usable; Err carries the classified failure when the
// episode did not finish.
func (p *Pipeline) Process(ctx context.Context, ep *ledger.Episode) Result {
	ctx = services.WithEpisodeID(ctx, ep.ID)
	log := logging.WithContext(ctx, p.logger)

	idx, err := startIndex(ep)
	if err != nil {
		logging.ErrorWithContext(log, "episode not processable", "pipeline_state_invalid",
			logging.String("state", string(ep.State)),
			logging.Error(err),
		)
		return Result{Episode: ep, FinalState: ep.State, Detail: err.Error(), Err: err}
	}

	work := ep
	if p.simulate {
		clone := *ep
		clone.WatchedBy = append([]string(nil), ep.WatchedBy...)
		work = &clone
	} else {
		work.AttemptCount++
	}

	steps := p.steps()
	for i := idx; i < len(steps); i++ {
		st := steps[i]
		if err := ctx.Err(); err != nil {
			return Result{
				Episode:    ep,
				FinalState: work.State,
				Detail:     "canceled before step " + string(st.name),
				Simulated:  p.simulate,
				Err:        err,
			}
		}

		stepCtx, cancel := context.WithTimeout(services.WithStep(ctx, string(st.name)), stepTimeout)
		detail, err := st.run(stepCtx, work)
		cancel()
		if err != nil {
			if p.simulate {
				log.Info("simulated step would fail",
					logging.String(logging.FieldStep, string(st.name)),
					logging.Error(err),
				)
				return Result{Episode: ep, FinalState: ep.State, Detail: err.Error(), Simulated: true, Err: err}
			}
			return p.fail(ctx, log, work, st.name, err)
		}

		work.MarkMilestone(st.milestone, p.now())
		if !p.simulate {
			if err := p.persist(ctx, log, work, string(st.name)); err != nil {
				return Result{Episode: ep, FinalState: work.State, Detail: detail, Err: err}
			}
		}

		msg := "step complete"
		if p.simulate {
			msg = "step simulated"
		}
		log.Info(msg,
			logging.String(logging.FieldStep, string(st.name)),
			logging.String("detail", detail),
			logging.Bool("simulated", p.simulate),
		)
	}

	work.MarkMilestone(ledger.StateComplete, p.now())
	if !p.simulate {
		if err := p.persist(ctx, log, work, "complete"); err != nil {
			return Result{Episode: ep, FinalState: work.State, Err: err}
		}
	}

	freed := humanize.IBytes(uint64(work.BytesReclaimed))
	detail := "reclaimed " + freed
	if p.simulate {
		detail = "would reclaim " + freed
	}
	log.Info("episode finished",
		logging.String("detail", detail),
		logging.Bool("simulated", p.simulate),
	)
	return Result{
		Episode:    ep,
		FinalState: resultState(ep, work, p.simulate),
		Detail:     detail,
		Bytes:      work.BytesReclaimed,
		Simulated:  p.simulate,
	}
}

// fail persists failure bookkeeping and classifies the outcome. Permanent
// faults park the episode as skipped, everything else stays retryable at the
// failed step.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, ep *ledger.Episode, stepName ledger.Step, err error) Result {
	state := services.FailureState(err)
	if state == ledger.StateSkipped {
		ep.SetSkipped(err.Error())
	} else {
		ep.SetFailed(stepName, err.Error())
	}

	if uerr := p.store.Update(ctx, ep); uerr != nil {
		logging.ErrorWithContext(log, "failure bookkeeping not persisted", "pipeline_persist_failed",
			logging.String(logging.FieldStep, string(stepName)),
			logging.Error(uerr),
		)
	}

	if stepName == ledger.StepDelete && state == ledger.StateFailed {
		// Monitoring is already off and there is no rollback: surface the
		// asymmetry so an operator can retry or re-enable monitoring.
		logging.WarnWithContext(log, "file removal failed after monitoring was disabled", "delete_failed_unmonitored",
			logging.String(logging.FieldStep, string(stepName)),
			logging.Error(err),
			logging.String("asymmetry", "monitoring stays disabled"),
			logging.String(logging.FieldErrorHint, "retry the run or re-enable monitoring in the download manager"),
			logging.String(logging.FieldImpact, "file remains on disk and will not be re-fetched"),
		)
	} else {
		logging.ErrorWithContext(log, "pipeline step failed", "step_failed",
			logging.String(logging.FieldStep, string(stepName)),
			logging.String("error_kind", services.Kind(err)),
			logging.Error(err),
		)
	}

	return Result{Episode: ep, FinalState: state, Detail: err.Error(), Err: err}
}

func (p *Pipeline) persist(ctx context.Context, log *slog.Logger, ep *ledger.Episode, stepName string) error {
	if err := p.store.Update(ctx, ep); err != nil {
		wrapped := services.Wrap(services.ErrStateConsistency, "pipeline", stepName,
			fmt.Sprintf("persist milestone %s", ep.State), err)
		logging.ErrorWithContext(log, "milestone not persisted", "pipeline_persist_failed",
			logging.String("state", string(ep.State)),
			logging.Error(wrapped),
		)
		return wrapped
	}
	return nil
}

func resultState(stored, work *ledger.Episode, simulate bool) ledger.State {
	if simulate {
		return stored.State
	}
	return work.State
}
