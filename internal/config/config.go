// Package config provides the configuration schema, loader, and provider
// registry for the Babblefish translation server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the Babblefish server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults] when a field is left zero.
const (
	DefaultListenAddr            = ":8000"
	DefaultMaxParticipants       = 10
	DefaultMaxRooms              = 100
	DefaultRoomTimeoutSeconds    = 3600
	DefaultIdleTimeoutSeconds    = 60
	DefaultPipelinePermits       = 1
	DefaultUtteranceHardCapSecs  = 30
	DefaultUtteranceDeadlineMsec = 30000
)

// Config is the root configuration structure for Babblefish.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings for the Babblefish server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RoomsConfig holds room lifecycle limits.
type RoomsConfig struct {
	// MaxParticipantsPerRoom caps how many clients can join a single room.
	MaxParticipantsPerRoom int `yaml:"max_participants_per_room"`

	// MaxRooms caps the number of concurrently active rooms. When the cap
	// is reached, the oldest idle room is evicted to make space.
	MaxRooms int `yaml:"max_rooms"`

	// RoomTimeoutSeconds is how long a room may sit empty or idle before
	// the janitor closes it.
	RoomTimeoutSeconds int `yaml:"room_timeout_seconds"`

	// IdleConnectionTimeoutSeconds closes WebSocket connections that have
	// sent no frames (including pings) for this long.
	IdleConnectionTimeoutSeconds int `yaml:"idle_connection_timeout_seconds"`
}

// RoomTimeout returns the room idle timeout as a [time.Duration].
func (r RoomsConfig) RoomTimeout() time.Duration {
	return time.Duration(r.RoomTimeoutSeconds) * time.Second
}

// IdleConnectionTimeout returns the connection idle timeout as a [time.Duration].
func (r RoomsConfig) IdleConnectionTimeout() time.Duration {
	return time.Duration(r.IdleConnectionTimeoutSeconds) * time.Second
}

// PipelineConfig tunes the shared inference pipeline.
type PipelineConfig struct {
	// Permits is the number of utterances the pipeline processes
	// concurrently. The default of 1 serializes all inference, which is
	// what a single-GPU (or CPU) deployment wants.
	Permits int `yaml:"permits"`

	// UtteranceHardCapSeconds bounds how much audio a single utterance may
	// accumulate before it is force-flushed to the pipeline.
	UtteranceHardCapSeconds int `yaml:"utterance_hard_cap_seconds"`

	// UtteranceDeadlineMs bounds the wall-clock time a single utterance may
	// spend in the pipeline (queue wait plus inference).
	UtteranceDeadlineMs int `yaml:"utterance_deadline_ms"`

	// Device is an opaque hint passed to inference backends that support
	// device selection (e.g., "cpu", "cuda"). Empty means backend default.
	Device string `yaml:"device"`

	// ComputeType is an opaque precision hint for inference backends
	// (e.g., "int8", "float16"). Empty means backend default.
	ComputeType string `yaml:"compute_type"`
}

// HardCap returns the utterance accumulation cap as a [time.Duration].
func (p PipelineConfig) HardCap() time.Duration {
	return time.Duration(p.UtteranceHardCapSeconds) * time.Second
}

// Deadline returns the per-utterance processing deadline as a [time.Duration].
func (p PipelineConfig) Deadline() time.Duration {
	return time.Duration(p.UtteranceDeadlineMs) * time.Millisecond
}

// ProvidersConfig declares which provider implementation to use for each
// inference stage. Each Name selects a factory registered in the [Registry].
type ProvidersConfig struct {
	ASR       ASRConfig       `yaml:"asr"`
	Translate TranslateConfig `yaml:"translate"`
}

// ASRConfig configures the speech recognition backend.
type ASRConfig struct {
	// Name selects the registered ASR implementation (e.g., "whisper").
	Name string `yaml:"name"`

	// ModelPath is the filesystem path to the model weights (for local
	// backends such as whisper.cpp GGML files).
	ModelPath string `yaml:"model_path"`

	// Language pins transcription to a fixed language. Empty means
	// auto-detect, which is what a multi-lingual room wants.
	Language string `yaml:"language"`

	// Threads caps CPU threads per inference. Zero leaves the backend default.
	Threads int `yaml:"threads"`
}

// TranslateConfig configures the machine translation backend.
type TranslateConfig struct {
	// Name selects the registered translation implementation
	// (e.g., "openai", "ollama", "anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-mini", "qwen2.5:7b").
	Model string `yaml:"model"`
}
