package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeEmby()
	c.normalizeSonarr()
	if err := c.normalizeProcessing(); err != nil {
		return err
	}
	c.normalizeWorkflow()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeEmby() {
	if c.Emby.APIKey == "" {
		if value, ok := os.LookupEnv("AFTERWATCH_EMBY_API_KEY"); ok {
			c.Emby.APIKey = value
		}
	}
	c.Emby.URL = strings.TrimRight(strings.TrimSpace(c.Emby.URL), "/")
	c.Emby.APIKey = strings.TrimSpace(c.Emby.APIKey)
	if c.Emby.RequestTimeout <= 0 {
		c.Emby.RequestTimeout = defaultRequestTimeout
	}
}

func (c *Config) normalizeSonarr() {
	if c.Sonarr.APIKey == "" {
		if value, ok := os.LookupEnv("AFTERWATCH_SONARR_API_KEY"); ok {
			c.Sonarr.APIKey = value
		}
	}
	c.Sonarr.URL = strings.TrimRight(strings.TrimSpace(c.Sonarr.URL), "/")
	c.Sonarr.APIKey = strings.TrimSpace(c.Sonarr.APIKey)
	if c.Sonarr.RequestTimeout <= 0 {
		c.Sonarr.RequestTimeout = defaultRequestTimeout
	}
	if c.Sonarr.RenameSettleSeconds < 0 {
		c.Sonarr.RenameSettleSeconds = defaultRenameSettleSeconds
	}
}

func (c *Config) normalizeProcessing() error {
	roots := make([]string, 0, len(c.Processing.MediaRoots))
	seen := make(map[string]struct{}, len(c.Processing.MediaRoots))
	for _, root := range c.Processing.MediaRoots {
		trimmed := strings.TrimSpace(root)
		if trimmed == "" {
			continue
		}
		expanded, err := expandPath(trimmed)
		if err != nil {
			return fmt.Errorf("processing.media_roots: %w", err)
		}
		if _, exists := seen[expanded]; exists {
			continue
		}
		seen[expanded] = struct{}{}
		roots = append(roots, expanded)
	}
	c.Processing.MediaRoots = roots

	ext := strings.TrimSpace(c.Processing.PlaceholderExtension)
	if ext == "" {
		ext = defaultPlaceholderExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	c.Processing.PlaceholderExtension = strings.ToLower(ext)
	return nil
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.LeaseTimeout <= 0 {
		c.Workflow.LeaseTimeout = defaultLeaseTimeout
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
