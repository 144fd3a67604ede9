package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"afterwatch/internal/config"
	"afterwatch/internal/daemon"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/runner"
	"afterwatch/internal/services/emby"
	"afterwatch/internal/services/sonarr"
	"afterwatch/internal/testsupport"
)

type stubMedia struct {
	facts map[string][]emby.WatchFact
}

func (m *stubMedia) Users(context.Context) ([]emby.User, error) { return nil, nil }

func (m *stubMedia) WatchStates(_ context.Context, libraryID string, _ []string) ([]emby.WatchFact, error) {
	return m.facts[libraryID], nil
}

type stubManager struct {
	failUnmonitor bool
}

func (m *stubManager) ResolveEpisode(_ context.Context, _ string, season, episode int) (sonarr.Ref, error) {
	return sonarr.Ref{SeriesID: 1, EpisodeID: int64(season*100 + episode)}, nil
}

func (m *stubManager) UnmonitorEpisode(context.Context, int64) (sonarr.Outcome, error) {
	if m.failUnmonitor {
		return "", fmt.Errorf("unmonitor rejected")
	}
	return sonarr.OutcomeApplied, nil
}

func (m *stubManager) TriggerRename(context.Context, int64, string) (sonarr.Outcome, error) {
	return sonarr.OutcomeApplied, nil
}

func (m *stubManager) UnmonitorSeason(context.Context, int64, int) (sonarr.Outcome, error) {
	return sonarr.OutcomeApplied, nil
}

func (m *stubManager) SeasonEpisodeCount(context.Context, int64, int) (int, error) {
	return 0, nil
}

type cliTestEnv struct {
	cfg        *config.Config
	store      *ledger.Store
	daemon     *daemon.Daemon
	media      *stubMedia
	manager    *stubManager
	addr       string
	configPath string
}

// setupCLITestEnv starts a real daemon backed by stub service gateways and
// writes the matching config file the CLI loads.
func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	store := testsupport.MustOpenStore(t, cfg)
	media := &stubMedia{facts: map[string][]emby.WatchFact{}}
	manager := &stubManager{}
	coordinator := runner.New(cfg, store, media, manager, nil, logging.NewNop())

	d, err := daemon.New(cfg, store, coordinator, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)

	return &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		media:      media,
		manager:    manager,
		addr:       d.APIAddr(),
		configPath: configPath,
	}
}

// offlineCLIEnv writes a config file without starting a daemon, for the
// direct-database fallback paths.
func offlineCLIEnv(t *testing.T) (cfg *config.Config, configPath string) {
	t.Helper()
	cfg = testsupport.NewConfig(t)
	configPath = filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return cfg, configPath
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, addr, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--config", configPath}
	if addr != "" {
		flags = append(flags, "--addr", addr)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func saveTestLibrary(t *testing.T, store *ledger.Store, id string, viewers ...string) {
	t.Helper()
	lib := &ledger.LibraryConfig{ID: id, Name: "TV " + id, Enabled: true, RequiredViewers: viewers}
	if err := store.SaveLibrary(context.Background(), lib); err != nil {
		t.Fatalf("SaveLibrary: %v", err)
	}
}

// seedPendingEpisode installs a fully-watched episode one hour into its grace
// delay: an on-disk file, the watch fact the stub media server reports, and
// the ledger row.
func seedPendingEpisode(t *testing.T, env *cliTestEnv, mediaID, series string, season, episode int, size int64) *ledger.Episode {
	t.Helper()

	path := filepath.Join(testsupport.MediaRoot(env.cfg), series,
		fmt.Sprintf("Season %02d", season),
		fmt.Sprintf("%s - S%02dE%02d.mkv", series, season, episode))
	testsupport.WriteFile(t, path, size)

	env.media.facts["lib-1"] = append(env.media.facts["lib-1"], emby.WatchFact{
		Episode: emby.Episode{
			ID:         mediaID,
			SeriesName: series,
			Season:     season,
			Episode:    episode,
			Path:       path,
			SizeBytes:  size,
		},
		ViewerID: "u1",
		Watched:  true,
	})
	saveTestLibrary(t, env.store, "lib-1", "u1")

	seeded := testsupport.SeedEpisode(t, env.store, &ledger.Episode{
		LibraryID:   "lib-1",
		MediaID:     mediaID,
		SeriesTitle: series,
		Season:      season,
		Episode:     episode,
		FilePath:    path,
	})
	since := time.Now().UTC().Add(-time.Hour)
	seeded.State = ledger.StatePendingDelay
	seeded.WatchedBy = []string{"u1"}
	seeded.EligibleSince = &since
	if err := env.store.Update(context.Background(), seeded); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return seeded
}

func waitForFinishedRun(t *testing.T, store *ledger.Store) *ledger.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.LastRun(context.Background())
		if err != nil {
			t.Fatalf("LastRun: %v", err)
		}
		if run != nil && run.FinishedAt != nil {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no run finished in time")
	return nil
}

func TestCLIStatusAndSettings(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Running") {
		t.Errorf("status missing daemon state: %q", out)
	}
	if !strings.Contains(out, "Daily at 03:00") {
		t.Errorf("status missing default schedule: %q", out)
	}
	if !strings.Contains(out, "Test (files are not modified)") {
		t.Errorf("status missing test-mode warning: %q", out)
	}

	_, _, err = runCLI(t, []string{"settings", "set"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "nothing to change") {
		t.Errorf("empty settings set error = %v", err)
	}

	_, _, err = runCLI(t, []string{"settings", "set", "--schedule", "late"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "use HH:MM") {
		t.Errorf("bad schedule error = %v", err)
	}

	out, _, err = runCLI(t,
		[]string{"settings", "set", "--mode", "live", "--schedule", "04:45", "--delay-days", "3"},
		env.addr, env.configPath)
	if err != nil {
		t.Fatalf("settings set: %v", err)
	}
	if !strings.Contains(out, "Daily at 04:45") || !strings.Contains(out, "live") {
		t.Errorf("settings set output = %q", out)
	}

	out, _, err = runCLI(t, []string{"settings", "show"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("settings show: %v", err)
	}
	if !strings.Contains(out, "3 days") {
		t.Errorf("settings show missing delay: %q", out)
	}

	_, _, err = runCLI(t, []string{"settings", "set", "--delay-days", "-1"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "delay_days") {
		t.Errorf("negative delay error = %v", err)
	}
}

func TestCLIRunLifecycle(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithDelayDays(0))
	seedPendingEpisode(t, env, "ep-1", "Example Show", 2, 4, 2048)

	_, _, err := runCLI(t, []string{"run", "--test", "--live"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("conflicting mode flags error = %v", err)
	}

	out, _, err := runCLI(t, []string{"run", "--live", "--wait"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("run --live --wait: %v", err)
	}
	if !strings.Contains(out, "Started run ") {
		t.Errorf("run output missing start line: %q", out)
	}
	if !strings.Contains(out, "Example Show S02E04") {
		t.Errorf("run report missing outcome row: %q", out)
	}

	run := waitForFinishedRun(t, env.store)
	if run.Processed != 1 {
		t.Errorf("processed = %d, want 1", run.Processed)
	}
	if run.Mode != ledger.RunModeLive {
		t.Errorf("mode = %s, want live", run.Mode)
	}

	out, _, err = runCLI(t, []string{"runs"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, run.ID) {
		t.Errorf("runs list missing %s: %q", run.ID, out)
	}

	out, _, err = runCLI(t, []string{"runs", "show", run.ID}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("runs show: %v", err)
	}
	if !strings.Contains(out, "S02E04") {
		t.Errorf("runs show missing outcome: %q", out)
	}

	_, _, err = runCLI(t, []string{"runs", "show", "missing-run"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing run error = %v", err)
	}
}

func TestCLIRunsExportFailures(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithDelayDays(0))
	env.manager.failUnmonitor = true
	seedPendingEpisode(t, env, "ep-1", "Example Show", 1, 2, 4096)

	out, _, err := runCLI(t, []string{"run", "--live", "--wait"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("run --live --wait: %v", err)
	}
	if !strings.Contains(out, "Failed") {
		t.Errorf("run report missing failure: %q", out)
	}

	_, _, err = runCLI(t, []string{"runs", "export"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "--failures") {
		t.Errorf("missing target error = %v", err)
	}

	target := filepath.Join(t.TempDir(), "failures.csv")
	out, _, err = runCLI(t, []string{"runs", "export", "--failures", target}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("runs export: %v", err)
	}
	if !strings.Contains(out, "Wrote 1 failed outcomes") {
		t.Errorf("export output = %q", out)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "run_id,library_id,series") {
		t.Errorf("export missing header: %q", content)
	}
	if !strings.Contains(content, "Example Show") {
		t.Errorf("export missing failed episode: %q", content)
	}
}

func TestCLIPendingAndLibraries(t *testing.T) {
	env := setupCLITestEnv(t)
	seedPendingEpisode(t, env, "ep-1", "Example Show", 2, 4, 2048)

	out, _, err := runCLI(t, []string{"pending"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(out, "Example Show") || !strings.Contains(out, "S02E04") {
		t.Errorf("pending missing episode: %q", out)
	}
	if !strings.Contains(out, "Grace delay: 7 days") {
		t.Errorf("pending missing delay note: %q", out)
	}

	out, _, err = runCLI(t,
		[]string{"libraries", "set", "lib-9", "--name", "Kids TV", "--require", "u1,u2", "--exclude", "u3"},
		env.addr, env.configPath)
	if err != nil {
		t.Fatalf("libraries set: %v", err)
	}
	if !strings.Contains(out, "Library lib-9 saved") {
		t.Errorf("libraries set output = %q", out)
	}

	out, _, err = runCLI(t, []string{"libraries", "list"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("libraries list: %v", err)
	}
	if !strings.Contains(out, "Kids TV") || !strings.Contains(out, "u1, u2") {
		t.Errorf("libraries list missing saved config: %q", out)
	}

	_, _, err = runCLI(t, []string{"libraries", "set", "lib-10", "--name", "Empty"}, env.addr, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "required viewers") {
		t.Errorf("viewerless library error = %v", err)
	}

	out, _, err = runCLI(t, []string{"pending", "--process"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("pending --process: %v", err)
	}
	if !strings.Contains(out, "Started run ") {
		t.Errorf("process output = %q", out)
	}
	run := waitForFinishedRun(t, env.store)
	if run.Processed != 1 {
		t.Errorf("processed = %d, want 1 (delay bypassed)", run.Processed)
	}
}

func TestCLIOfflineFallback(t *testing.T) {
	_, configPath := offlineCLIEnv(t)

	out, _, err := runCLI(t, []string{"status"}, "", configPath)
	if err != nil {
		t.Fatalf("offline status: %v", err)
	}
	if !strings.Contains(out, "Not running") {
		t.Errorf("offline status missing daemon state: %q", out)
	}

	out, _, err = runCLI(t, []string{"runs"}, "", configPath)
	if err != nil {
		t.Fatalf("offline runs: %v", err)
	}
	if !strings.Contains(out, "No runs recorded yet") {
		t.Errorf("offline runs output = %q", out)
	}

	out, _, err = runCLI(t, []string{"settings", "set", "--delay-days", "2"}, "", configPath)
	if err != nil {
		t.Fatalf("offline settings set: %v", err)
	}
	if !strings.Contains(out, "Daemon is not running") {
		t.Errorf("offline settings set missing note: %q", out)
	}

	out, _, err = runCLI(t, []string{"settings", "show"}, "", configPath)
	if err != nil {
		t.Fatalf("offline settings show: %v", err)
	}
	if !strings.Contains(out, "2 days") {
		t.Errorf("offline settings show = %q", out)
	}

	out, _, err = runCLI(t, []string{"libraries", "set", "lib-1", "--require", "u1"}, "", configPath)
	if err != nil {
		t.Fatalf("offline libraries set: %v", err)
	}
	if !strings.Contains(out, "Library lib-1 saved") {
		t.Errorf("offline libraries set output = %q", out)
	}

	out, _, err = runCLI(t, []string{"orphans"}, "", configPath)
	if err != nil {
		t.Fatalf("offline orphans: %v", err)
	}
	if !strings.Contains(out, "No orphaned placeholders found") {
		t.Errorf("offline orphans output = %q", out)
	}

	_, _, err = runCLI(t, []string{"run"}, "", configPath)
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("offline run error = %v", err)
	}
}

func TestCLILogsThroughDaemonAndFile(t *testing.T) {
	env := setupCLITestEnv(t)
	logPath := filepath.Join(env.cfg.Paths.LogDir, "afterwatch.log")
	if err := os.WriteFile(logPath, []byte("alpha\nbeta\ngamma\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "-n", "2"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "alpha") || !strings.Contains(out, "beta") || !strings.Contains(out, "gamma") {
		t.Errorf("logs output = %q, want the last two lines", out)
	}

	// Without a reachable daemon the command reads the file directly.
	cfg, configPath := offlineCLIEnv(t)
	offlinePath := filepath.Join(cfg.Paths.LogDir, "afterwatch.log")
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(offlinePath, []byte("direct\n"), 0o644); err != nil {
		t.Fatalf("write offline log file: %v", err)
	}
	out, _, err = runCLI(t, []string{"logs"}, "", configPath)
	if err != nil {
		t.Fatalf("offline logs: %v", err)
	}
	if !strings.Contains(out, "direct") {
		t.Errorf("offline logs output = %q", out)
	}

	if err := os.Remove(offlinePath); err != nil {
		t.Fatalf("remove log file: %v", err)
	}
	out, _, err = runCLI(t, []string{"logs"}, "", configPath)
	if err != nil {
		t.Fatalf("offline logs without file: %v", err)
	}
	if !strings.Contains(out, "No log entries available") {
		t.Errorf("empty logs output = %q", out)
	}
}

func TestCLIConfigCommands(t *testing.T) {
	_, configPath := offlineCLIEnv(t)
	target := filepath.Join(t.TempDir(), "afterwatch.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "", configPath)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Errorf("config init output = %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	_, _, err = runCLI(t, []string{"config", "init", "--path", target}, "", configPath)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("repeat init error = %v", err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, "", configPath); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}

	out, _, err = runCLI(t, []string{"config", "show"}, "", configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "Config path:") || !strings.Contains(out, "Emby URL") {
		t.Errorf("config show output = %q", out)
	}
}

func TestCLIConfigCheck(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer gateway.Close()

	cfg, configPath := offlineCLIEnv(t)
	cfg.Emby.URL = gateway.URL
	cfg.Sonarr.URL = gateway.URL
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, testsupport.MediaRoot(cfg)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeTestConfig(t, configPath, cfg)

	out, _, err := runCLI(t, []string{"config", "check"}, "", configPath)
	if err != nil {
		t.Fatalf("config check: %v\n%s", err, out)
	}
	if !strings.Contains(out, "checks passed") {
		t.Errorf("config check output = %q", out)
	}

	cfg.Sonarr.URL = "http://127.0.0.1:1"
	writeTestConfig(t, configPath, cfg)

	out, _, err = runCLI(t, []string{"config", "check"}, "", configPath)
	if err == nil || !strings.Contains(err.Error(), "checks failed") {
		t.Fatalf("expected a failure summary, got err=%v out=%q", err, out)
	}
	if !strings.Contains(out, "[ERROR]") {
		t.Errorf("expected an ERROR line for the unreachable instance, got %q", out)
	}
}
