package eligibility

import (
	"fmt"
	"time"

	"afterwatch/internal/ledger"
	"afterwatch/internal/services"
	"afterwatch/internal/services/emby"
)

// Candidate is one fully-watched episode together with its delay-clock state.
type Candidate struct {
	Episode       emby.Episode
	WatchedBy     []string
	EligibleSince time.Time
	Actionable    bool
}

// Result partitions a library's fully-watched episodes by the delay gate.
// Actionable episodes go to the pipeline; pending ones are only reported.
type Result struct {
	Actionable []Candidate
	Pending    []Candidate
}

// Evaluate applies the watched-by and delay gates to one library's watch
// facts. An episode is fully watched when every required viewer has a
// watched=true fact; a missing fact counts as unwatched. Excluded viewers'
// facts are discarded entirely. The first observation of fully-watched
// starts the eligible-since clock; a prior record's clock, when set, is kept
// so the delay survives restarts. Records already in a terminal state are
// dropped.
func Evaluate(cfg ledger.LibraryConfig, facts []emby.WatchFact, prior map[string]*ledger.Episode, now time.Time, delay time.Duration) (Result, error) {
	if len(cfg.RequiredViewers) == 0 {
		detail := fmt.Sprintf("library %q has no required viewers; nothing could ever become eligible", cfg.ID)
		return Result{}, services.Wrap(services.ErrConfiguration, "eligibility", "evaluate", detail, nil)
	}
	required := make(map[string]struct{}, len(cfg.RequiredViewers))
	for _, viewer := range cfg.RequiredViewers {
		required[viewer] = struct{}{}
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludedViewers))
	for _, viewer := range cfg.ExcludedViewers {
		if _, overlap := required[viewer]; overlap {
			detail := fmt.Sprintf("viewer %q is both required and excluded for library %q", viewer, cfg.ID)
			return Result{}, services.Wrap(services.ErrConfiguration, "eligibility", "evaluate", detail, nil)
		}
		excluded[viewer] = struct{}{}
	}

	type tally struct {
		episode emby.Episode
		watched map[string]bool
	}
	tallies := make(map[string]*tally)
	var order []string
	for _, fact := range facts {
		if _, drop := excluded[fact.ViewerID]; drop {
			continue
		}
		if _, want := required[fact.ViewerID]; !want {
			continue
		}
		entry, ok := tallies[fact.Episode.ID]
		if !ok {
			entry = &tally{episode: fact.Episode, watched: make(map[string]bool, len(cfg.RequiredViewers))}
			tallies[fact.Episode.ID] = entry
			order = append(order, fact.Episode.ID)
		}
		if fact.Watched {
			entry.watched[fact.ViewerID] = true
		}
	}

	var result Result
	for _, id := range order {
		entry := tallies[id]
		watchedBy := make([]string, 0, len(cfg.RequiredViewers))
		fully := true
		for _, viewer := range cfg.RequiredViewers {
			if entry.watched[viewer] {
				watchedBy = append(watchedBy, viewer)
			} else {
				fully = false
			}
		}
		if !fully {
			continue
		}
		if previous, ok := prior[id]; ok && previous.State.IsTerminal() {
			continue
		}

		candidate := Candidate{
			Episode:       entry.episode,
			WatchedBy:     watchedBy,
			EligibleSince: now,
		}
		if previous, ok := prior[id]; ok && previous.EligibleSince != nil {
			candidate.EligibleSince = *previous.EligibleSince
		}
		candidate.Actionable = !now.Before(candidate.EligibleSince.Add(delay))
		if candidate.Actionable {
			result.Actionable = append(result.Actionable, candidate)
		} else {
			result.Pending = append(result.Pending, candidate)
		}
	}
	return result, nil
}
