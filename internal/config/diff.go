package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DebounceChanged means new sessions get a different inactivity window.
	// Existing sessions keep the window they were created with.
	DebounceChanged bool
	NewDebounceMs   int

	TopKChanged bool
	NewTopK     int
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Controller.DebounceMs != new.Controller.DebounceMs {
		d.DebounceChanged = true
		d.NewDebounceMs = new.Controller.DebounceMs
	}

	if old.Answer.TopK != new.Answer.TopK {
		d.TopKChanged = true
		d.NewTopK = new.Answer.TopK
	}

	return d
}
