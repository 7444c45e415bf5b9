package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/babblefish/babblefish/pkg/provider/asr"
	"github.com/babblefish/babblefish/pkg/provider/translate"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// inference stage. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	asr       map[string]func(ASRConfig) (asr.Provider, error)
	translate map[string]func(TranslateConfig) (translate.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:       make(map[string]func(ASRConfig) (asr.Provider, error)),
		translate: make(map[string]func(TranslateConfig) (translate.Provider, error)),
	}
}

// RegisterASR registers an ASR provider factory under name. A later
// registration under the same name replaces the earlier one.
func (r *Registry) RegisterASR(name string, factory func(ASRConfig) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterTranslate registers a translation provider factory under name.
func (r *Registry) RegisterTranslate(name string, factory func(TranslateConfig) (translate.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate[name] = factory
}

// CreateASR instantiates the ASR provider selected by entry.Name.
func (r *Registry) CreateASR(entry ASRConfig) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr provider %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTranslate instantiates the translation provider selected by entry.Name.
func (r *Registry) CreateTranslate(entry TranslateConfig) (translate.Provider, error) {
	r.mu.RLock()
	factory, ok := r.translate[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translate provider %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
