package config_test

import (
	"strings"
	"testing"

	"github.com/babblefish/babblefish/internal/config"
)

const validYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
rooms:
  max_participants_per_room: 4
  max_rooms: 20
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: ollama
    model: qwen2.5:7b
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Rooms.MaxParticipantsPerRoom != 4 {
		t.Errorf("max_participants_per_room = %d, want 4", cfg.Rooms.MaxParticipantsPerRoom)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: openai
    model: gpt-4o-mini
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want default %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Rooms.MaxParticipantsPerRoom != config.DefaultMaxParticipants {
		t.Errorf("max_participants_per_room = %d, want %d", cfg.Rooms.MaxParticipantsPerRoom, config.DefaultMaxParticipants)
	}
	if cfg.Rooms.MaxRooms != config.DefaultMaxRooms {
		t.Errorf("max_rooms = %d, want %d", cfg.Rooms.MaxRooms, config.DefaultMaxRooms)
	}
	if cfg.Rooms.RoomTimeoutSeconds != config.DefaultRoomTimeoutSeconds {
		t.Errorf("room_timeout_seconds = %d, want %d", cfg.Rooms.RoomTimeoutSeconds, config.DefaultRoomTimeoutSeconds)
	}
	if cfg.Pipeline.Permits != config.DefaultPipelinePermits {
		t.Errorf("permits = %d, want %d", cfg.Pipeline.Permits, config.DefaultPipelinePermits)
	}
	if cfg.Pipeline.UtteranceDeadlineMs != config.DefaultUtteranceDeadlineMsec {
		t.Errorf("utterance_deadline_ms = %d, want %d", cfg.Pipeline.UtteranceDeadlineMs, config.DefaultUtteranceDeadlineMsec)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: openai
    model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingASRModelPath(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  asr:
    name: whisper
  translate:
    name: openai
    model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing model_path, got nil")
	}
	if !strings.Contains(err.Error(), "model_path") {
		t.Errorf("error should mention model_path, got: %v", err)
	}
}

func TestValidate_MissingTranslateModel(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing translate model, got nil")
	}
	if !strings.Contains(err.Error(), "translate.model") {
		t.Errorf("error should mention translate.model, got: %v", err)
	}
}

func TestValidate_TooFewParticipants(t *testing.T) {
	t.Parallel()
	yaml := `
rooms:
  max_participants_per_room: 1
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: openai
    model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_participants_per_room < 2, got nil")
	}
	if !strings.Contains(err.Error(), "max_participants_per_room") {
		t.Errorf("error should mention max_participants_per_room, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: /etc/certs/server.pem
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: openai
    model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing key_file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_address: ":9000"
providers:
  asr:
    name: whisper
    model_path: /models/ggml-base.bin
  translate:
    name: openai
    model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field listen_address, got nil")
	}
}
