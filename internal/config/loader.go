package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":       {"whisper"},
	"translate": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields of cfg with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Rooms.MaxParticipantsPerRoom == 0 {
		cfg.Rooms.MaxParticipantsPerRoom = DefaultMaxParticipants
	}
	if cfg.Rooms.MaxRooms == 0 {
		cfg.Rooms.MaxRooms = DefaultMaxRooms
	}
	if cfg.Rooms.RoomTimeoutSeconds == 0 {
		cfg.Rooms.RoomTimeoutSeconds = DefaultRoomTimeoutSeconds
	}
	if cfg.Rooms.IdleConnectionTimeoutSeconds == 0 {
		cfg.Rooms.IdleConnectionTimeoutSeconds = DefaultIdleTimeoutSeconds
	}
	if cfg.Pipeline.Permits == 0 {
		cfg.Pipeline.Permits = DefaultPipelinePermits
	}
	if cfg.Pipeline.UtteranceHardCapSeconds == 0 {
		cfg.Pipeline.UtteranceHardCapSeconds = DefaultUtteranceHardCapSecs
	}
	if cfg.Pipeline.UtteranceDeadlineMs == 0 {
		cfg.Pipeline.UtteranceDeadlineMs = DefaultUtteranceDeadlineMsec
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when server.tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when server.tls is set"))
		}
	}

	// Rooms
	if cfg.Rooms.MaxParticipantsPerRoom < 2 {
		errs = append(errs, fmt.Errorf("rooms.max_participants_per_room %d must be at least 2", cfg.Rooms.MaxParticipantsPerRoom))
	}
	if cfg.Rooms.MaxRooms < 1 {
		errs = append(errs, fmt.Errorf("rooms.max_rooms %d must be at least 1", cfg.Rooms.MaxRooms))
	}
	if cfg.Rooms.RoomTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("rooms.room_timeout_seconds %d must not be negative", cfg.Rooms.RoomTimeoutSeconds))
	}
	if cfg.Rooms.IdleConnectionTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("rooms.idle_connection_timeout_seconds %d must not be negative", cfg.Rooms.IdleConnectionTimeoutSeconds))
	}

	// Pipeline
	if cfg.Pipeline.Permits < 1 {
		errs = append(errs, fmt.Errorf("pipeline.permits %d must be at least 1", cfg.Pipeline.Permits))
	}
	if cfg.Pipeline.UtteranceHardCapSeconds < 1 {
		errs = append(errs, fmt.Errorf("pipeline.utterance_hard_cap_seconds %d must be at least 1", cfg.Pipeline.UtteranceHardCapSeconds))
	}
	if cfg.Pipeline.UtteranceDeadlineMs < 1000 {
		errs = append(errs, fmt.Errorf("pipeline.utterance_deadline_ms %d must be at least 1000", cfg.Pipeline.UtteranceDeadlineMs))
	}

	// Providers
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	if cfg.Providers.ASR.Name == "whisper" && cfg.Providers.ASR.ModelPath == "" {
		errs = append(errs, errors.New("providers.asr.model_path is required for the whisper provider"))
	}
	if cfg.Providers.Translate.Name == "" {
		errs = append(errs, errors.New("providers.translate.name is required"))
	}
	if cfg.Providers.Translate.Name != "" && cfg.Providers.Translate.Model == "" {
		errs = append(errs, errors.New("providers.translate.model is required"))
	}
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("translate", cfg.Providers.Translate.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
