package resilience

import (
	"context"
	"errors"

	"github.com/babblefish/babblefish/pkg/provider/translate"
)

// TranslateFallback implements [translate.Provider] with automatic failover
// across multiple translation backends. Each backend has its own circuit
// breaker, so a provider that keeps timing out stops being asked.
type TranslateFallback struct {
	group *FallbackGroup[translate.Provider]

	// providers is kept separately for Close; the group does not expose its
	// entries.
	providers []translate.Provider
}

// Compile-time interface assertion.
var _ translate.Provider = (*TranslateFallback)(nil)

// NewTranslateFallback creates a [TranslateFallback] with primary as the
// preferred backend.
func NewTranslateFallback(primary translate.Provider, primaryName string, cfg FallbackConfig) *TranslateFallback {
	return &TranslateFallback{
		group:     NewFallbackGroup(primary, primaryName, cfg),
		providers: []translate.Provider{primary},
	}
}

// AddFallback registers an additional translation provider as a fallback.
func (f *TranslateFallback) AddFallback(name string, provider translate.Provider) {
	f.group.AddFallback(name, provider)
	f.providers = append(f.providers, provider)
}

// Translate renders text via the first healthy backend.
func (f *TranslateFallback) Translate(ctx context.Context, text, source, target string) (string, error) {
	return ExecuteWithResult(f.group, func(p translate.Provider) (string, error) {
		return p.Translate(ctx, text, source, target)
	})
}

// Close closes every registered backend, joining their errors.
func (f *TranslateFallback) Close() error {
	var errs []error
	for _, p := range f.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
