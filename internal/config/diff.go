package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// listener changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RoomTimeoutChanged bool
	NewRoomTimeout     int // seconds

	IdleTimeoutChanged bool
	NewIdleTimeout     int // seconds

	MaxParticipantsChanged bool
	NewMaxParticipants     int
}

// Empty reports whether no hot-reloadable field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RoomTimeoutChanged && !d.IdleTimeoutChanged && !d.MaxParticipantsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Rooms.RoomTimeoutSeconds != new.Rooms.RoomTimeoutSeconds {
		d.RoomTimeoutChanged = true
		d.NewRoomTimeout = new.Rooms.RoomTimeoutSeconds
	}
	if old.Rooms.IdleConnectionTimeoutSeconds != new.Rooms.IdleConnectionTimeoutSeconds {
		d.IdleTimeoutChanged = true
		d.NewIdleTimeout = new.Rooms.IdleConnectionTimeoutSeconds
	}
	if old.Rooms.MaxParticipantsPerRoom != new.Rooms.MaxParticipantsPerRoom {
		d.MaxParticipantsChanged = true
		d.NewMaxParticipants = new.Rooms.MaxParticipantsPerRoom
	}

	return d
}
