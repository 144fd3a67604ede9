package testsupport

import (
	"path/filepath"
	"testing"

	"afterwatch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Emby.URL = "http://emby.test"
	cfgVal.Emby.APIKey = "test-key"
	cfgVal.Sonarr.URL = "http://sonarr.test"
	cfgVal.Sonarr.APIKey = "test-key"
	cfgVal.Sonarr.RenameSettleSeconds = 0
	cfgVal.Processing.MediaRoots = []string{filepath.Join(base, "media")}
	cfgVal.Workflow.LeaseTimeout = 30
	cfgVal.Workflow.HeartbeatInterval = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMediaRoots overrides the containment volumes on the test config.
func WithMediaRoots(roots ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Processing.MediaRoots = roots
	}
}

// WithLiveMode seeds the settings row so runs mutate state instead of
// simulating.
func WithLiveMode() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Defaults.TestMode = false
	}
}

// WithDelayDays seeds the grace period between fully-watched and actionable.
func WithDelayDays(days int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Defaults.DelayDays = days
	}
}

// MediaRoot returns the first containment volume of the generated config.
func MediaRoot(cfg *config.Config) string {
	if len(cfg.Processing.MediaRoots) == 0 {
		return ""
	}
	return cfg.Processing.MediaRoots[0]
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
