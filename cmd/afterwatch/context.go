package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"afterwatch/internal/api"
	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
)

type commandContext struct {
	addrFlag   *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(addrFlag, configFlag *string) *commandContext {
	return &commandContext{
		addrFlag:   addrFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// apiAddr resolves the daemon API address: the --addr flag wins, then the
// configured bind. A bind without a host is dialed over loopback.
func (c *commandContext) apiAddr() string {
	if c.addrFlag != nil && strings.TrimSpace(*c.addrFlag) != "" {
		return strings.TrimSpace(*c.addrFlag)
	}
	cfg := c.configValue()
	if cfg == nil {
		return ""
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if strings.HasPrefix(bind, ":") {
		bind = "127.0.0.1" + bind
	}
	return bind
}

func (c *commandContext) client() (*api.Client, error) {
	token := ""
	if cfg := c.configValue(); cfg != nil {
		token = cfg.Paths.APIToken
	}
	client, err := api.NewClient(c.apiAddr(), token)
	if err != nil {
		return nil, fmt.Errorf("daemon API address: %w", err)
	}
	return client, nil
}

// withDaemon runs fn against the daemon API. Commands that mutate run state
// go through here so they fail loudly when the daemon is down.
func (c *commandContext) withDaemon(cmd *cobra.Command, fn func(ctx context.Context, client *api.Client) error) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	if err := fn(cmd.Context(), client); err != nil {
		return describeAPIError(err, c.apiAddr())
	}
	return nil
}

// withLedger runs fn against the daemon API when it is reachable, otherwise
// against the ledger database directly. Exactly one of client and store is
// non-nil inside fn.
func (c *commandContext) withLedger(cmd *cobra.Command, fn func(ctx context.Context, client *api.Client, store *ledger.Store) error) error {
	ctx := cmd.Context()

	client, err := c.client()
	if err != nil {
		return err
	}
	if client != nil {
		_, err := client.Status(ctx)
		if err == nil {
			return fn(ctx, client, nil)
		}
		if !api.IsAPIUnavailable(err) {
			return err
		}
	}

	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := ledger.Open(cfg)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer store.Close()
	return fn(ctx, nil, store)
}

func describeAPIError(err error, addr string) error {
	if !api.IsAPIUnavailable(err) {
		return err
	}
	if addr == "" {
		return fmt.Errorf("daemon API address is not configured; set paths.api_bind or pass --addr")
	}
	return fmt.Errorf("daemon API at %s is not reachable; start the daemon with `afterwatchd`", addr)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
