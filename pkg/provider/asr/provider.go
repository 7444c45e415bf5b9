// Package asr defines the Provider interface for speech recognition
// backends.
//
// Unlike a streaming STT abstraction, the Babblefish pipeline always hands
// the backend one complete utterance: the room assembles speech-gated PCM
// until the client signals utterance_end, so a single blocking Transcribe
// call is the natural shape. Providers are NOT assumed safe for concurrent
// use — the inference pipeline serializes all calls behind its permit.
package asr

import "context"

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech. Empty when the utterance contained
	// no recognisable speech.
	Text string

	// Language is the detected source language as a short tag (e.g. "en").
	// Empty when the backend could not determine a language.
	Language string
}

// Provider is the abstraction over any speech recognition backend.
type Provider interface {
	// Transcribe converts float32 mono 16 kHz PCM into text and a detected
	// language. Blocking; respects ctx cancellation and deadlines.
	Transcribe(ctx context.Context, pcm []float32) (Transcript, error)

	// Close releases backend resources (model memory, handles).
	Close() error
}
