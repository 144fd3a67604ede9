package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
)

const userAgent = "Afterwatch-Go/0.1.0"

// Service defines the notification surface exposed to run components.
type Service interface {
	NotifyRunStarted(ctx context.Context, mode ledger.RunMode, episodes int) error
	NotifyRunCompleted(ctx context.Context, run *ledger.Run) error
	NotifyRunFailed(ctx context.Context, runID string, err error) error
	NotifyOrphansDetected(ctx context.Context, count int) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint: topic,
		client:   client,
		runs:     cfg.Notifications.Runs,
		orphans:  cfg.Notifications.Orphans,
		errors:   cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client

	// Per-event toggles from the notifications config section. A disabled
	// event is silently dropped; TestNotification ignores the toggles.
	runs    bool
	orphans bool
	errors  bool
}

func (n *ntfyService) NotifyRunStarted(ctx context.Context, mode ledger.RunMode, episodes int) error {
	if !n.runs {
		return nil
	}
	message := fmt.Sprintf("Started live run: %d episodes to reclaim", episodes)
	if mode == ledger.RunModeTest {
		message = fmt.Sprintf("Started test run: simulating %d episodes", episodes)
	}
	data := payload{
		title:   "Afterwatch - Run Started",
		message: message,
		tags:    []string{"afterwatch", "run", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, run *ledger.Run) error {
	if !n.runs || run == nil {
		return nil
	}

	durationText := runDuration(run).String()
	bytes := run.BytesReclaimed
	if bytes < 0 {
		bytes = 0
	}
	freed := humanize.IBytes(uint64(bytes))

	var title string
	var message string
	switch {
	case run.Mode == ledger.RunModeTest:
		title = "Afterwatch - Test Run Complete"
		message = fmt.Sprintf("Test run complete: %d episodes would free %s (took %s)", run.Processed, freed, durationText)
	case run.Failed == 0:
		title = "Afterwatch - Run Complete"
		message = fmt.Sprintf("✅ Run complete: %d episodes reclaimed, %s freed in %s", run.Processed, freed, durationText)
	default:
		title = "Afterwatch - Run Complete (with errors)"
		message = fmt.Sprintf("Run complete: %d reclaimed, %d failed, %s freed in %s", run.Processed, run.Failed, freed, durationText)
	}

	data := payload{
		title:   title,
		message: message,
		tags:    []string{"afterwatch", "run", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, runID string, err error) error {
	if !n.errors {
		return nil
	}

	var builder strings.Builder
	builder.WriteString("❌ Run")
	if runID = strings.TrimSpace(runID); runID != "" {
		builder.WriteString(" ")
		builder.WriteString(runID)
	}
	builder.WriteString(" failed: ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Afterwatch - Run Failed",
		message:  builder.String(),
		tags:     []string{"afterwatch", "run", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyOrphansDetected(ctx context.Context, count int) error {
	if !n.orphans || count <= 0 {
		return nil
	}
	data := payload{
		title:   "Afterwatch - Orphans Detected",
		message: fmt.Sprintf("Found %d reclaimed episodes with inconsistent files on disk\nManual review required", count),
		tags:    []string{"afterwatch", "orphan", "review"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Afterwatch - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"afterwatch", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func runDuration(run *ledger.Run) time.Duration {
	if run.FinishedAt == nil {
		return 0
	}
	d := run.FinishedAt.Sub(run.StartedAt).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d
}

type noopService struct{}

func (noopService) NotifyRunStarted(context.Context, ledger.RunMode, int) error { return nil }
func (noopService) NotifyRunCompleted(context.Context, *ledger.Run) error       { return nil }
func (noopService) NotifyRunFailed(context.Context, string, error) error        { return nil }
func (noopService) NotifyOrphansDetected(context.Context, int) error            { return nil }
func (noopService) TestNotification(context.Context) error                      { return nil }
