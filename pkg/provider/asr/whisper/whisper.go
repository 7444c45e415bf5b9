// Package whisper implements asr.Provider with the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/babblefish/babblefish/pkg/provider/asr"
)

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// autoLanguage asks whisper.cpp to detect the spoken language itself.
const autoLanguage = "auto"

// Provider implements asr.Provider using whisper.cpp. The model is loaded
// once at startup; each Transcribe call creates a fresh whisper context
// (contexts are not thread-safe, the model is shareable).
//
// Transcribe itself is not safe for concurrent use with language detection
// enabled; the caller must serialize. The inference pipeline does.
type Provider struct {
	model    whisperlib.Model
	language string
	threads  uint
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage pins transcription to a fixed language instead of
// auto-detection. Rarely wanted in a multi-lingual room; exposed for
// single-language deployments.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithThreads sets the number of CPU threads whisper.cpp may use per
// inference. Zero leaves the library default.
func WithThreads(n uint) Option {
	return func(p *Provider) { p.threads = n }
}

// New loads the whisper.cpp model at modelPath. The caller must call Close
// when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: autoLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe runs whisper.cpp inference over one complete utterance and
// returns the concatenated segment text plus the detected language.
func (p *Provider) Transcribe(ctx context.Context, pcm []float32) (asr.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: %w", err)
	}
	if len(pcm) == 0 {
		return asr.Transcript{}, nil
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using model default",
			"language", p.language, "err", err)
	}

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return asr.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	lang := wctx.DetectedLanguage()
	if p.language != autoLanguage {
		lang = p.language
	}

	return asr.Transcript{
		Text:     strings.Join(parts, " "),
		Language: lang,
	}, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}
