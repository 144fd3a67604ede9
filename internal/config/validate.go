package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateEmby(); err != nil {
		return err
	}
	if err := c.validateSonarr(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateDefaults(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateEmby() error {
	if strings.TrimSpace(c.Emby.URL) == "" {
		return errors.New("emby.url must be set")
	}
	if strings.TrimSpace(c.Emby.APIKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/afterwatch/config.toml"
		}
		return fmt.Errorf("emby.api_key is required. Set AFTERWATCH_EMBY_API_KEY env var or edit %s (create with 'afterwatch config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateSonarr() error {
	if strings.TrimSpace(c.Sonarr.URL) == "" {
		return errors.New("sonarr.url must be set")
	}
	if strings.TrimSpace(c.Sonarr.APIKey) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/afterwatch/config.toml"
		}
		return fmt.Errorf("sonarr.api_key is required. Set AFTERWATCH_SONARR_API_KEY env var or edit %s (create with 'afterwatch config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"emby.request_timeout":          c.Emby.RequestTimeout,
		"sonarr.request_timeout":        c.Sonarr.RequestTimeout,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
		"workflow.heartbeat_interval":   c.Workflow.HeartbeatInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.LeaseTimeout <= 0 {
		return errors.New("workflow.lease_timeout must be positive")
	}
	if c.Workflow.LeaseTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.lease_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateDefaults() error {
	if c.Defaults.DelayDays < 0 {
		return errors.New("defaults.delay_days must be >= 0")
	}
	if c.Defaults.ScheduleHour < 0 || c.Defaults.ScheduleHour > 23 {
		return errors.New("defaults.schedule_hour must be between 0 and 23")
	}
	if c.Defaults.ScheduleMinute < 0 || c.Defaults.ScheduleMinute > 59 {
		return errors.New("defaults.schedule_minute must be between 0 and 59")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.NtfyTopic != "" && strings.ContainsAny(c.Notifications.NtfyTopic, " \t") {
		return errors.New("notifications.ntfy_topic must not contain whitespace")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
