package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: everything else
// requires a restart and is ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GateChanged is true when any utterance detection tunable changed.
	// New connections pick the values up; live gates keep the old ones.
	GateChanged bool

	// ProactiveChanged is true when the follow-up scheduling changed.
	ProactiveChanged bool

	// SessionChanged is true when the idle timeout or history cap changed.
	SessionChanged bool
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GateChanged && !d.ProactiveChanged && !d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Gate != new.Gate {
		d.GateChanged = true
	}
	if old.Proactive != new.Proactive {
		d.ProactiveChanged = true
	}
	if old.Session != new.Session {
		d.SessionChanged = true
	}

	return d
}
