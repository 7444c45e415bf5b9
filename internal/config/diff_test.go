package config_test

import (
	"testing"

	"github.com/babblefish/babblefish/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_RoomLimits(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Rooms.RoomTimeoutSeconds = 600
	new.Rooms.MaxParticipantsPerRoom = 6

	d := config.Diff(old, new)
	if !d.RoomTimeoutChanged || d.NewRoomTimeout != 600 {
		t.Errorf("room timeout diff = %+v, want changed to 600", d)
	}
	if !d.MaxParticipantsChanged || d.NewMaxParticipants != 6 {
		t.Errorf("max participants diff = %+v, want changed to 6", d)
	}
	if d.LogLevelChanged {
		t.Error("log level should not be flagged")
	}
}
