// Package mock provides a test double for the translate package interfaces.
//
// Configure Results/Errs per target language (or a TranslateFunc for full
// control) and inspect Calls to verify what the caller requested.
package mock

import (
	"context"
	"sync"

	"github.com/babblefish/babblefish/pkg/provider/translate"
)

// TranslateCall records a single invocation of Provider.Translate.
type TranslateCall struct {
	Text   string
	Source string
	Target string
}

// Provider is a mock implementation of translate.Provider.
type Provider struct {
	mu sync.Mutex

	// Results maps a target display name to the translation returned for
	// it. Targets not present fall back to Result.
	Results map[string]string

	// Errs maps a target display name to an error returned for it. Lets
	// tests fail one target while others succeed.
	Errs map[string]error

	// Result is the default translation when Results has no entry.
	Result string

	// Err, if non-nil, is returned for every target without an Errs entry.
	Err error

	// TranslateFunc, if set, overrides all of the above.
	TranslateFunc func(ctx context.Context, text, source, target string) (string, error)

	// Calls records every invocation of Translate.
	Calls []TranslateCall

	// Closed reports whether Close was called.
	Closed bool
}

// Compile-time assertion that Provider implements translate.Provider.
var _ translate.Provider = (*Provider)(nil)

// Translate records the call and returns the configured result for target.
func (p *Provider) Translate(ctx context.Context, text, source, target string) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranslateCall{Text: text, Source: source, Target: target})
	fn := p.TranslateFunc
	result, err := p.Result, p.Err
	if r, ok := p.Results[target]; ok {
		result = r
	}
	if e, ok := p.Errs[target]; ok {
		err = e
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, source, target)
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

// Close marks the provider closed.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// CallCount returns the number of recorded Translate calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// CallsFor returns the recorded calls targeting the given language.
func (p *Provider) CallsFor(target string) []TranslateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []TranslateCall
	for _, c := range p.Calls {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}
