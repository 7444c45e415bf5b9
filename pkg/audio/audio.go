// Package audio converts the base64 Opus packets arriving on the wire into
// the float32 mono PCM stream the ASR consumes.
//
// Each participant owns one [OpusSession]: Opus decoders are stateful (frame
// history drives packet-loss concealment and forward references), so packets
// from different speakers must never share a decoder. Sessions are reset at
// utterance boundaries and on reconnect.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// The ASR consumes 16 kHz mono; clients encode at the same rate so no
// resampling happens on the server.
const (
	SampleRate = 16000
	Channels   = 1

	// maxFrameSize is the largest Opus frame the decoder will produce:
	// 60 ms at 16 kHz mono.
	maxFrameSize = SampleRate * 60 / 1000
)

// ErrEmptyPacket is returned when a packet decodes to zero samples or the
// payload is empty after base64 decoding.
var ErrEmptyPacket = errors.New("audio: empty opus packet")

// OpusSession decodes a single participant's Opus packet stream. Not safe
// for concurrent use; the owning room goroutine is the only caller.
type OpusSession struct {
	dec *gopus.Decoder
}

// NewOpusSession creates a decoder session for one participant stream.
func NewOpusSession() (*OpusSession, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusSession{dec: dec}, nil
}

// DecodePacket decodes one base64-encoded Opus packet into float32 mono
// samples in [-1, 1]. A failure affects only this packet; the session stays
// usable for the next one.
func (s *OpusSession) DecodePacket(b64 string) ([]float32, error) {
	packet, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("audio: base64 decode: %w", err)
	}
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}

	pcm, err := s.dec.Decode(packet, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyPacket
	}
	return Int16ToFloat32(pcm), nil
}

// Reset discards the decoder's frame history. Called on utterance_end and
// reconnect so stale packet-loss state cannot bleed into the next utterance.
func (s *OpusSession) Reset() error {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return fmt.Errorf("audio: reset opus decoder: %w", err)
	}
	s.dec = dec
	return nil
}

// Int16ToFloat32 converts int16 PCM samples to float32 in [-1, 1].
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float32 samples in [-1, 1] to int16 PCM, clamping
// out-of-range values.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Duration returns the playback duration in seconds of a sample count at
// the fixed 16 kHz mono rate.
func Duration(samples int) float64 {
	return float64(samples) / float64(SampleRate)
}
