// Package protocol defines the WebSocket wire messages exchanged with
// clients. Every inbound and outbound message is a tagged variant with a
// closed set of cases; unknown discriminators are an [ErrUnknownType]
// protocol error.
//
// Control and result messages are JSON text frames. Audio travels as
// base64-encoded Opus packets inside JSON audio messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message type discriminators.
const (
	TypeJoin         = "join"
	TypeAudio        = "audio"
	TypeUtteranceEnd = "utterance_end"
	TypeLeave        = "leave"
	TypePing         = "ping"
)

// Outbound message type discriminators.
const (
	TypeJoined            = "joined"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeTranslation       = "translation"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried by [Error] messages.
const (
	CodeRoomFull            = "ROOM_FULL"
	CodePipelineError       = "PIPELINE_ERROR"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnsupportedLanguage = "UNSUPPORTED_LANGUAGE"
	CodeUnauthorized        = "UNAUTHORIZED" // reserved
)

// ErrUnknownType is returned by [ParseInbound] for unrecognised
// discriminators.
var ErrUnknownType = errors.New("protocol: unknown message type")

// maxNameLength bounds participant display names.
const maxNameLength = 64

// ── Inbound messages ───────────────────────────────────────────────────────────

// Join requests membership in a room. An empty RoomID asks the server to
// mint a fresh room code.
type Join struct {
	RoomID   string `json:"room_id"`
	Language string `json:"language"`
	Name     string `json:"name"`

	// Capabilities is accepted for forward compatibility and ignored.
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// Validate checks the fields a parse alone cannot. Room ID shape and
// language support are checked by the room manager, which owns the registry.
func (j Join) Validate() error {
	if j.Name == "" {
		return errors.New("protocol: join: name must not be empty")
	}
	if len(j.Name) > maxNameLength {
		return fmt.Errorf("protocol: join: name exceeds %d characters", maxNameLength)
	}
	if j.Language == "" {
		return errors.New("protocol: join: language must not be empty")
	}
	return nil
}

// Audio carries one base64-encoded Opus packet.
type Audio struct {
	Data string `json:"data"`

	// Timestamp is client-supplied milliseconds, opaque to the server.
	Timestamp float64 `json:"timestamp"`
}

// UtteranceEnd marks the end of the current utterance.
type UtteranceEnd struct {
	Timestamp float64 `json:"timestamp"`
}

// Leave announces departure. The socket close has the same effect.
type Leave struct{}

// Ping requests a synchronous [Pong].
type Ping struct{}

// envelope is the minimal parse needed to pick the variant.
type envelope struct {
	Type string `json:"type"`
}

// ParseInbound decodes one client frame into its typed variant: *Join,
// *Audio, *UtteranceEnd, *Leave, or *Ping. Malformed JSON or an unknown
// type yields an error the transport maps to INVALID_MESSAGE.
func ParseInbound(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		var m Join
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: malformed join: %w", err)
		}
		return &m, nil
	case TypeAudio:
		var m Audio
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: malformed audio: %w", err)
		}
		return &m, nil
	case TypeUtteranceEnd:
		var m UtteranceEnd
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: malformed utterance_end: %w", err)
		}
		return &m, nil
	case TypeLeave:
		return &Leave{}, nil
	case TypePing:
		return &Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ── Outbound messages ──────────────────────────────────────────────────────────

// ParticipantInfo describes one room member in rosters and join broadcasts.
type ParticipantInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// Joined acknowledges a successful join. Participants lists the OTHER
// members present at join time.
type Joined struct {
	Type          string            `json:"type"`
	RoomID        string            `json:"room_id"`
	ParticipantID string            `json:"participant_id"`
	Participants  []ParticipantInfo `json:"participants"`
}

// NewJoined builds a [Joined] with the type tag set.
func NewJoined(roomID, participantID string, others []ParticipantInfo) Joined {
	if others == nil {
		others = []ParticipantInfo{}
	}
	return Joined{Type: TypeJoined, RoomID: roomID, ParticipantID: participantID, Participants: others}
}

// ParticipantJoined announces a new member to existing ones.
type ParticipantJoined struct {
	Type        string          `json:"type"`
	Participant ParticipantInfo `json:"participant"`
}

// NewParticipantJoined builds a [ParticipantJoined] with the type tag set.
func NewParticipantJoined(p ParticipantInfo) ParticipantJoined {
	return ParticipantJoined{Type: TypeParticipantJoined, Participant: p}
}

// ParticipantLeft announces a departure.
type ParticipantLeft struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// NewParticipantLeft builds a [ParticipantLeft] with the type tag set.
func NewParticipantLeft(id string) ParticipantLeft {
	return ParticipantLeft{Type: TypeParticipantLeft, ParticipantID: id}
}

// Translation is the broadcast result of one processed utterance.
// Targets that failed to translate are absent from Translations; clients
// must tolerate absence.
type Translation struct {
	Type         string            `json:"type"`
	SpeakerID    string            `json:"speaker_id"`
	SpeakerName  string            `json:"speaker_name"`
	SourceLang   string            `json:"source_lang"`
	SourceText   string            `json:"source_text"`
	Translations map[string]string `json:"translations"`

	// Timestamp is server epoch seconds.
	Timestamp float64 `json:"timestamp"`
}

// NewTranslation builds a [Translation] with the type tag set.
func NewTranslation(speakerID, speakerName, sourceLang, sourceText string, translations map[string]string, ts float64) Translation {
	return Translation{
		Type:         TypeTranslation,
		SpeakerID:    speakerID,
		SpeakerName:  speakerName,
		SourceLang:   sourceLang,
		SourceText:   sourceText,
		Translations: translations,
		Timestamp:    ts,
	}
}

// Error reports a protocol, admission, or pipeline failure to one client.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an [Error] with the type tag set.
func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

// Pong answers a [Ping].
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a [Pong] with the type tag set.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// ── Encoding and delivery classification ───────────────────────────────────────

// Encode marshals an outbound message to a JSON text frame.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Critical reports whether a message type must never be dropped from a
// send queue. Translations are droppable under backpressure; membership
// changes and errors are not.
func Critical(msgType string) bool {
	switch msgType {
	case TypeJoined, TypeParticipantJoined, TypeParticipantLeft, TypeError:
		return true
	}
	return false
}
