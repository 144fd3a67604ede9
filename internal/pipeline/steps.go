package pipeline

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"afterwatch/internal/fileutil"
	"afterwatch/internal/ledger"
	"afterwatch/internal/services"
	"afterwatch/internal/services/sonarr"
)

// runUnmonitor resolves download-manager ids when the record does not carry
// them yet, then flips the episode's monitored flag off. An already-clear flag
// counts as success.
func (p *Pipeline) runUnmonitor(ctx context.Context, ep *ledger.Episode) (string, error) {
	if err := p.resolveRefs(ctx, ep); err != nil {
		return "", err
	}
	outcome, err := p.manager.UnmonitorEpisode(ctx, ep.EpisodeRef)
	if err != nil {
		return "", err
	}
	if outcome == sonarr.OutcomeAlreadyInState {
		return "monitoring already disabled", nil
	}
	return "monitoring disabled", nil
}

// runDelete removes the watched source file. An absent file is the recoverable
// crash condition between delete and persist, not an error. A path outside
// every configured media root is a permanent fault.
func (p *Pipeline) runDelete(_ context.Context, ep *ledger.Episode) (string, error) {
	if len(p.roots) > 0 && !fileutil.PathWithinAny(ep.FilePath, p.roots) {
		return "", services.Permanent(services.Wrap(services.ErrFilesystem, "pipeline", "delete",
			fmt.Sprintf("path %s is outside every configured media root", ep.FilePath), nil))
	}
	bytes, existed, err := p.files.Remove(ep.FilePath)
	if err != nil {
		return "", services.Wrap(services.ErrFilesystem, "pipeline", "delete", "remove source file", err)
	}
	if !existed {
		return "source file already absent", nil
	}
	ep.BytesReclaimed = bytes
	return "freed " + humanize.IBytes(uint64(bytes)), nil
}

// runPlaceholder writes the zero-byte stand-in next to where the source file
// lived. An existing empty placeholder is restart idempotence; a non-empty
// file at that path is never overwritten.
func (p *Pipeline) runPlaceholder(_ context.Context, ep *ledger.Episode) (string, error) {
	path := fileutil.ReplaceExt(ep.FilePath, p.ext)
	if err := p.files.WritePlaceholder(path); err != nil {
		return "", services.Wrap(services.ErrFilesystem, "pipeline", "placeholder",
			fmt.Sprintf("write placeholder %s", path), err)
	}
	ep.PlaceholderPath = path
	return "placeholder written", nil
}

// runRename asks the download manager to fold the placeholder into its
// catalog naming. Savings are already realized by this point, so a failure
// here retries this step alone.
func (p *Pipeline) runRename(ctx context.Context, ep *ledger.Episode) (string, error) {
	if err := p.resolveRefs(ctx, ep); err != nil {
		return "", err
	}
	placeholder := ep.PlaceholderPath
	if placeholder == "" {
		placeholder = fileutil.ReplaceExt(ep.FilePath, p.ext)
		ep.PlaceholderPath = placeholder
	}
	if _, err := p.manager.TriggerRename(ctx, ep.SeriesID, placeholder); err != nil {
		return "", err
	}
	return "catalog rename requested", nil
}

func (p *Pipeline) resolveRefs(ctx context.Context, ep *ledger.Episode) error {
	if ep.SeriesID != 0 && ep.EpisodeRef != 0 {
		return nil
	}
	ref, err := p.manager.ResolveEpisode(ctx, ep.FilePath, ep.Season, ep.Episode)
	if err != nil {
		return err
	}
	ep.SeriesID = ref.SeriesID
	ep.EpisodeRef = ref.EpisodeID
	return nil
}

// fileOps is the narrow filesystem seam that lets test mode stat without
// mutating.
type fileOps interface {
	Remove(path string) (int64, bool, error)
	WritePlaceholder(path string) error
}

type liveFiles struct{}

func (liveFiles) Remove(path string) (int64, bool, error) { return fileutil.RemoveFile(path) }

func (liveFiles) WritePlaceholder(path string) error { return fileutil.WritePlaceholder(path) }

type dryFiles struct{}

func (dryFiles) Remove(path string) (int64, bool, error) {
	return fileutil.FileSize(path), fileutil.Exists(path), nil
}

func (dryFiles) WritePlaceholder(string) error { return nil }

// noopManager stands in for the download manager during test-mode runs,
// reporting synthetic success without contacting anything.
type noopManager struct{}

func (noopManager) ResolveEpisode(context.Context, string, int, int) (sonarr.Ref, error) {
	return sonarr.Ref{}, nil
}

func (noopManager) UnmonitorEpisode(context.Context, int64) (sonarr.Outcome, error) {
	return sonarr.OutcomeApplied, nil
}

func (noopManager) TriggerRename(context.Context, int64, string) (sonarr.Outcome, error) {
	return sonarr.OutcomeApplied, nil
}
