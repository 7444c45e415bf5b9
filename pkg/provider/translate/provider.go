// Package translate defines the Provider interface for machine translation
// backends.
//
// Backends are prompted with Flores-agnostic display names rather than raw
// tags; the caller resolves tags through the language registry before
// invoking a provider. Providers are NOT assumed safe for concurrent use —
// the inference pipeline serializes all calls behind its permit.
package translate

import (
	"context"
	"fmt"
)

// Provider is the abstraction over any machine translation backend.
type Provider interface {
	// Translate renders text from the source language into the target
	// language. Both languages are human-readable display names (e.g.
	// "English", "Japanese"). Blocking; respects ctx cancellation.
	Translate(ctx context.Context, text, source, target string) (string, error)

	// Close releases backend resources.
	Close() error
}

// SystemPrompt builds the instruction shared by the LLM-backed translation
// providers. The output constraint matters: chat models volunteer
// commentary unless told not to.
func SystemPrompt(source, target string) string {
	return fmt.Sprintf(
		"You are a professional simultaneous interpreter. Translate the user's message from %s to %s. "+
			"Preserve tone and register. Output only the translation, with no quotes, notes, or explanations.",
		source, target)
}
