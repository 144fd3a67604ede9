package config

const (
	defaultDataDir              = "~/.local/share/afterwatch"
	defaultLogDir               = "~/.local/share/afterwatch/logs"
	defaultAPIBind              = "127.0.0.1:7979"
	defaultRequestTimeout       = 10
	defaultRenameSettleSeconds  = 2
	defaultPlaceholderExtension = ".strm"
	defaultLeaseTimeout         = 300
	defaultHeartbeatInterval    = 15
	defaultTestMode             = true
	defaultDelayDays            = 7
	defaultScheduleHour         = 3
	defaultScheduleMinute       = 0
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 60
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Emby: Emby{
			RequestTimeout: defaultRequestTimeout,
		},
		Sonarr: Sonarr{
			RequestTimeout:      defaultRequestTimeout,
			RenameSettleSeconds: defaultRenameSettleSeconds,
		},
		Processing: Processing{
			PlaceholderExtension: defaultPlaceholderExtension,
		},
		Workflow: Workflow{
			LeaseTimeout:      defaultLeaseTimeout,
			HeartbeatInterval: defaultHeartbeatInterval,
		},
		Defaults: Defaults{
			TestMode:       defaultTestMode,
			DelayDays:      defaultDelayDays,
			ScheduleHour:   defaultScheduleHour,
			ScheduleMinute: defaultScheduleMinute,
		},
		Notifications: Notifications{
			RequestTimeout: defaultRequestTimeout,
			Runs:           true,
			Orphans:        true,
			Errors:         true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
