// Package pipeline implements the shared, serialized inference stage that
// turns one finalized PCM utterance into a transcription plus translations
// for a snapshot set of target languages.
//
// ASR and translation backends share model state and are not safe to invoke
// concurrently, so the whole Process call runs under a weighted semaphore.
// With the default single permit, rooms across the entire process queue
// behind one in-flight utterance. The permit count is configurable for
// backends that document concurrency safety.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/babblefish/babblefish/internal/observe"
	"github.com/babblefish/babblefish/pkg/language"
	"github.com/babblefish/babblefish/pkg/provider/asr"
	"github.com/babblefish/babblefish/pkg/provider/translate"
)

// Sentinel errors surfaced to the room layer. Both wrap the underlying
// cause, so errors.Is works on the sentinel and the cause alike.
var (
	// ErrASR means no transcription could be produced. Translation was
	// never attempted.
	ErrASR = errors.New("speech recognition failed")

	// ErrLanguageIndeterminate means neither the detected nor the declared
	// language is in the registry. Wrapped by [ErrASR].
	ErrLanguageIndeterminate = errors.New("source language indeterminate")

	// ErrTranslationAll means every requested target translation failed.
	// The transcription itself was fine.
	ErrTranslationAll = errors.New("all translations failed")
)

// Job is one finalized utterance handed to the pipeline.
type Job struct {
	// PCM is the complete utterance, mono float32 at 16 kHz.
	PCM []float32

	// DeclaredLang is the speaker's declared short language tag, used as
	// the fallback when detection yields a tag outside the registry.
	DeclaredLang string

	// Targets is the snapshot of distinct participant language tags taken
	// when the job was accepted. Later joins and leaves do not change it.
	Targets []string
}

// Result is the outcome of a successful (possibly partial) pipeline call.
type Result struct {
	// SourceLang is the resolved short tag of the spoken language.
	SourceLang string

	// SourceText is the verbatim transcription.
	SourceText string

	// Translations maps short target tags to translated text. The source
	// language always maps to SourceText; targets that failed are absent.
	Translations map[string]string

	// Timings breaks down where the call spent its time.
	Timings Timings
}

// Empty reports whether the utterance produced no usable speech. Rooms
// broadcast nothing for empty results.
func (r Result) Empty() bool {
	return r.SourceText == ""
}

// Timings records per-stage durations for one pipeline call.
type Timings struct {
	// QueueWait is the time spent waiting for a permit.
	QueueWait time.Duration

	// ASR is the speech recognition duration.
	ASR time.Duration

	// Translation is the cumulative duration across all targets.
	Translation time.Duration

	// Total is wall-clock time from Process entry to return.
	Total time.Duration
}

// Pipeline serializes ASR and translation behind a permit semaphore.
// Safe for concurrent use; that is its whole point.
type Pipeline struct {
	asr        asr.Provider
	translator translate.Provider
	registry   *language.Registry
	sem        *semaphore.Weighted
	deadline   time.Duration
	metrics    *observe.Metrics
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithPermits sets the number of concurrently processed utterances.
// Values below 1 are ignored. Only raise this when both backends document
// concurrency safety.
func WithPermits(n int) Option {
	return func(p *Pipeline) {
		if n >= 1 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDeadline bounds the wall-clock time of a single Process call, queue
// wait included. Zero disables the deadline.
func WithDeadline(d time.Duration) Option {
	return func(p *Pipeline) { p.deadline = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline around the given backends with a single permit.
func New(asrProvider asr.Provider, translator translate.Provider, registry *language.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		asr:        asrProvider,
		translator: translator,
		registry:   registry,
		sem:        semaphore.NewWeighted(1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Process runs one utterance through ASR and fan-out translation.
//
// The source language is the detected language when the registry knows it,
// otherwise the speaker's declared language. The returned Translations map
// always carries the identity entry for the source language; individual
// target failures leave their key absent. An empty transcription returns an
// empty Result and no error.
func (p *Pipeline) Process(ctx context.Context, job Job) (Result, error) {
	start := time.Now()

	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.metrics.RecordPipelineError(ctx, "deadline")
		p.metrics.RecordUtterance(ctx, "error")
		return Result{}, fmt.Errorf("pipeline: %w: acquire permit: %w", ErrASR, err)
	}
	defer p.sem.Release(1)

	queueWait := time.Since(start)
	p.metrics.QueueWait.Record(ctx, queueWait.Seconds())

	asrStart := time.Now()
	transcript, err := p.asr.Transcribe(ctx, job.PCM)
	asrDur := time.Since(asrStart)
	p.metrics.ASRDuration.Record(ctx, asrDur.Seconds())
	if err != nil {
		p.metrics.RecordPipelineError(ctx, "asr")
		p.metrics.RecordUtterance(ctx, "error")
		return Result{}, fmt.Errorf("pipeline: %w: %w", ErrASR, err)
	}

	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		p.metrics.RecordUtterance(ctx, "empty")
		return Result{Timings: Timings{QueueWait: queueWait, ASR: asrDur, Total: time.Since(start)}}, nil
	}

	source, err := p.resolveSource(transcript.Language, job.DeclaredLang)
	if err != nil {
		p.metrics.RecordPipelineError(ctx, "asr")
		p.metrics.RecordUtterance(ctx, "error")
		return Result{}, err
	}

	translations := map[string]string{source: text}

	var (
		translateDur time.Duration
		attempted    int
		succeeded    int
	)
	for _, target := range job.Targets {
		if target == source {
			continue
		}
		attempted++

		tStart := time.Now()
		out, terr := p.translator.Translate(ctx, text, p.registry.Name(source), p.registry.Name(target))
		dur := time.Since(tStart)
		translateDur += dur
		p.metrics.TranslationDuration.Record(ctx, dur.Seconds())

		if terr != nil {
			p.metrics.RecordPipelineError(ctx, "translate")
			slog.Warn("translation target failed",
				"source", source, "target", target, "err", terr)
			continue
		}
		translations[target] = out
		succeeded++
	}

	if attempted > 0 && succeeded == 0 {
		p.metrics.RecordUtterance(ctx, "error")
		return Result{}, fmt.Errorf("pipeline: %w: %d targets", ErrTranslationAll, attempted)
	}

	total := time.Since(start)
	p.metrics.PipelineDuration.Record(ctx, total.Seconds())
	p.metrics.RecordUtterance(ctx, "ok")

	return Result{
		SourceLang:   source,
		SourceText:   text,
		Translations: translations,
		Timings: Timings{
			QueueWait:   queueWait,
			ASR:         asrDur,
			Translation: translateDur,
			Total:       total,
		},
	}, nil
}

// resolveSource maps the detected language to a registry short tag, falling
// back to the declared language when detection is unknown or unsupported.
func (p *Pipeline) resolveSource(detected, declared string) (string, error) {
	if detected != "" {
		if p.registry.Contains(detected) {
			return detected, nil
		}
		// Some ASR backends return model-form tags.
		if short, ok := p.registry.ShortFor(detected); ok {
			return short, nil
		}
		slog.Warn("detected language not in registry, falling back to declared",
			"detected", detected, "declared", declared)
	}
	if p.registry.Contains(declared) {
		return declared, nil
	}
	return "", fmt.Errorf("pipeline: %w: %w: detected %q, declared %q",
		ErrASR, ErrLanguageIndeterminate, detected, declared)
}
