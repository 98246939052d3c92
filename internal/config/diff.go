package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (storage root, provider wiring) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScheduleChanged is true if any cron expression changed; the daemon
	// rebuilds its job entries from NewSchedule.
	ScheduleChanged bool
	NewSchedule     ScheduleConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Schedule != new.Schedule {
		d.ScheduleChanged = true
		d.NewSchedule = new.Schedule
	}

	return d
}
