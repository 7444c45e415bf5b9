// Package mock provides a test double for the asr package interfaces.
//
// Configure Result/Err (or a TranscribeFunc for per-call behaviour) and
// inspect Calls to verify what PCM the caller delivered.
package mock

import (
	"context"
	"sync"

	"github.com/babblefish/babblefish/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the samples passed to Transcribe.
	PCM []float32
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned from Transcribe when TranscribeFunc is nil.
	Result asr.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if set, overrides Result/Err entirely.
	TranscribeFunc func(ctx context.Context, pcm []float32) (asr.Transcript, error)

	// Calls records every invocation of Transcribe.
	Calls []TranscribeCall

	// Closed reports whether Close was called.
	Closed bool
}

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, pcm []float32) (asr.Transcript, error) {
	p.mu.Lock()
	cp := make([]float32, len(pcm))
	copy(cp, pcm)
	p.Calls = append(p.Calls, TranscribeCall{PCM: cp})
	fn := p.TranscribeFunc
	result, err := p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm)
	}
	return result, err
}

// Close marks the provider closed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// CallCount returns the number of recorded Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
