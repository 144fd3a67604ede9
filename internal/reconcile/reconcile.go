package reconcile

import (
	"context"
	"log/slog"
	"strings"

	"afterwatch/internal/fileutil"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/services/sonarr"
)

// SeasonGateway is the slice of the download-manager gateway the sweep needs.
// *sonarr.Client satisfies it.
type SeasonGateway interface {
	UnmonitorSeason(ctx context.Context, seriesID int64, season int) (sonarr.Outcome, error)
	SeasonEpisodeCount(ctx context.Context, seriesID int64, season int) (int, error)
}

// SeasonKey identifies one season of one series.
type SeasonKey struct {
	SeriesID int64
	Season   int
}

// Orphan flags a record whose on-disk reality disagrees with its stored
// state. Resolution is ambiguous, so orphans are reported, never repaired.
type Orphan struct {
	Episode *ledger.Episode
	Reason  string
}

// Sweeper runs the post-batch reconciliation passes.
type Sweeper struct {
	store   *ledger.Store
	gateway SeasonGateway
	logger  *slog.Logger
}

func New(store *ledger.Store, gateway SeasonGateway, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		gateway: gateway,
		logger:  logging.NewComponentLogger(logger, "reconcile"),
	}
}

// CompleteSeasons unmonitors every touched season whose reclaimed episode
// count has caught up with the download manager's episode count for that
// season. Each season is checked at most once per call regardless of how many
// episodes touched it; gateway failures are logged and never fatal. The
// return value is the number of seasons unmonitored (an already-clear season
// flag counts).
func (s *Sweeper) CompleteSeasons(ctx context.Context, touched []SeasonKey) int {
	seen := make(map[SeasonKey]struct{}, len(touched))
	completed := 0
	for _, key := range touched {
		if key.SeriesID == 0 {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		have, err := s.store.CompletedCountInSeason(ctx, key.SeriesID, key.Season)
		if err != nil {
			logging.WarnWithContext(s.logger, "season completion count unavailable", "season_count_failed",
				logging.Int64("series_id", key.SeriesID),
				logging.Int("season", key.Season),
				logging.Error(err),
			)
			continue
		}
		want, err := s.gateway.SeasonEpisodeCount(ctx, key.SeriesID, key.Season)
		if err != nil {
			logging.WarnWithContext(s.logger, "season episode count unavailable", "season_count_failed",
				logging.Int64("series_id", key.SeriesID),
				logging.Int("season", key.Season),
				logging.Error(err),
			)
			continue
		}
		if want == 0 || have < want {
			continue
		}

		outcome, err := s.gateway.UnmonitorSeason(ctx, key.SeriesID, key.Season)
		if err != nil {
			logging.ErrorWithContext(s.logger, "season unmonitor failed", "season_unmonitor_failed",
				logging.Int64("series_id", key.SeriesID),
				logging.Int("season", key.Season),
				logging.Error(err),
			)
			continue
		}
		completed++
		s.logger.Info("season fully reclaimed",
			logging.Int64("series_id", key.SeriesID),
			logging.Int("season", key.Season),
			logging.Int("episodes", have),
			logging.String("outcome", string(outcome)),
		)
	}
	return completed
}

// FindOrphans scans records whose placeholder should exist but does not, and
// completed records whose source file has re-appeared on disk. The scan is
// read-only.
func (s *Sweeper) FindOrphans(ctx context.Context) ([]Orphan, error) {
	episodes, err := s.store.EpisodesByState(ctx,
		ledger.StatePlaceholderCreated,
		ledger.StateRenameTriggered,
		ledger.StateComplete,
	)
	if err != nil {
		return nil, err
	}

	var orphans []Orphan
	for _, ep := range episodes {
		var reasons []string
		if ep.PlaceholderPath != "" && !fileutil.Exists(ep.PlaceholderPath) {
			reasons = append(reasons, "placeholder missing from disk")
		}
		if ep.State == ledger.StateComplete && ep.FilePath != "" && fileutil.Exists(ep.FilePath) {
			reasons = append(reasons, "source file re-appeared")
		}
		if len(reasons) == 0 {
			continue
		}
		reason := strings.Join(reasons, "; ")
		orphans = append(orphans, Orphan{Episode: ep, Reason: reason})
		logging.WarnWithContext(s.logger, "orphaned record detected", "orphan_detected",
			logging.Int64(logging.FieldEpisodeID, ep.ID),
			logging.String("key", ep.Key()),
			logging.String("reason", reason),
			logging.String(logging.FieldErrorHint, "inspect the paths and repair manually"),
			logging.String(logging.FieldImpact, "record state no longer matches the disk"),
		)
	}
	return orphans, nil
}
