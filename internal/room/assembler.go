package room

import (
	"errors"
	"fmt"

	"github.com/babblefish/babblefish/pkg/audio"
)

// corruptedStreamThreshold is the number of consecutive decode failures that
// aborts the current utterance.
const corruptedStreamThreshold = 5

// ErrCorruptedStream means too many consecutive packets failed to decode and
// the current utterance was abandoned.
var ErrCorruptedStream = errors.New("room: corrupted audio stream")

// PacketDecoder turns one base64 Opus packet into PCM samples while
// carrying per-participant decoder state. Satisfied by [audio.OpusSession].
type PacketDecoder interface {
	DecodePacket(b64 string) ([]float32, error)
	Reset() error
}

// Assembler accumulates the decoded PCM of one participant's current
// utterance. Owned exclusively by the room goroutine.
//
// The buffer is bounded by a hard cap; beyond it the oldest samples are
// discarded so a stuck client cannot grow memory without limit.
type Assembler struct {
	dec PacketDecoder

	buf            []float32
	hardCapSamples int

	// consecutive decode failures; reset on any successful decode.
	failures int

	// truncated marks that the hard cap discarded audio at least once for
	// the current utterance. One diagnostic per utterance.
	truncated bool
}

// NewAssembler creates an assembler backed by a fresh Opus decoder whose
// buffer is capped at hardCapSeconds of 16 kHz audio.
func NewAssembler(hardCapSeconds int) (*Assembler, error) {
	opus, err := audio.NewOpusSession()
	if err != nil {
		return nil, fmt.Errorf("room: create opus session: %w", err)
	}
	return NewAssemblerWithDecoder(opus, hardCapSeconds)
}

// NewAssemblerWithDecoder is [NewAssembler] with an injected decoder.
func NewAssemblerWithDecoder(dec PacketDecoder, hardCapSeconds int) (*Assembler, error) {
	if hardCapSeconds < 1 {
		return nil, fmt.Errorf("room: hard cap %d must be at least 1 second", hardCapSeconds)
	}
	return &Assembler{
		dec:            dec,
		hardCapSamples: hardCapSeconds * audio.SampleRate,
	}, nil
}

// AppendPacket decodes one base64 Opus packet and appends the samples.
//
// A failed decode drops only that packet and keeps the utterance alive; a
// run of [corruptedStreamThreshold] consecutive failures returns
// [ErrCorruptedStream] and resets the assembler. When the hard cap is hit,
// the oldest samples are discarded; the first truncation of an utterance is
// reported via the truncated return so the room can log one diagnostic.
func (a *Assembler) AppendPacket(b64 string) (truncated bool, err error) {
	samples, err := a.dec.DecodePacket(b64)
	if err != nil {
		a.failures++
		if a.failures >= corruptedStreamThreshold {
			a.Reset()
			return false, fmt.Errorf("%w: %d consecutive decode failures", ErrCorruptedStream, corruptedStreamThreshold)
		}
		return false, fmt.Errorf("room: decode packet: %w", err)
	}
	a.failures = 0

	a.buf = append(a.buf, samples...)
	if over := len(a.buf) - a.hardCapSamples; over > 0 {
		a.buf = a.buf[over:]
		if !a.truncated {
			a.truncated = true
			return true, nil
		}
	}
	return false, nil
}

// Finalize returns the buffered utterance and resets the assembler for the
// next one, including the Opus decoder state.
func (a *Assembler) Finalize() []float32 {
	pcm := a.buf
	a.buf = nil
	a.failures = 0
	a.truncated = false
	_ = a.dec.Reset()
	return pcm
}

// Reset discards any buffered audio and decoder state without returning it.
func (a *Assembler) Reset() {
	a.buf = nil
	a.failures = 0
	a.truncated = false
	_ = a.dec.Reset()
}

// Empty reports whether no audio is buffered.
func (a *Assembler) Empty() bool { return len(a.buf) == 0 }

// Duration returns the buffered audio length in seconds.
func (a *Assembler) Duration() float64 { return audio.Duration(len(a.buf)) }
