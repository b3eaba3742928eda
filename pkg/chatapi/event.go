package chatapi

import (
	"encoding/json"
	"math"

	"github.com/google/uuid"
)

// Event is one protocol event. The set of implementations is closed; receive
// loops dispatch with a type switch on the concrete type or on Type().
type Event interface {
	// Type returns the wire discriminator of the event.
	Type() EventType

	// validate checks per-variant field constraints and stamps the wire
	// discriminator so a zero-constructed struct encodes correctly.
	validate() error
}

// DeviceDetectsSilence is the distinguished silence_duration sentinel: the
// client device detects end-of-speech and emits InputEnd itself. Any value
// >= 0 means the server detects end-of-speech after that many milliseconds
// of silence and emits InputEnd; the client must not.
const DeviceDetectsSilence = -1.0

// AudioFormat describes a PCM audio stream.
type AudioFormat struct {
	NChannels   int `json:"nchannels"`
	SampleRate  int `json:"sample_rate"`
	SampleWidth int `json:"sample_width"`
}

func (f AudioFormat) validate() error {
	if f.NChannels <= 0 {
		return validationErr("nchannels must be positive, got %d", f.NChannels)
	}
	if f.SampleRate <= 0 {
		return validationErr("sample_rate must be positive, got %d", f.SampleRate)
	}
	if f.SampleWidth <= 0 {
		return validationErr("sample_width must be positive, got %d", f.SampleWidth)
	}
	return nil
}

// VideoFormat describes a video stream.
type VideoFormat struct {
	FPS    int `json:"fps"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f VideoFormat) validate() error {
	if f.FPS <= 0 {
		return validationErr("fps must be positive, got %d", f.FPS)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return validationErr("invalid video dimensions %dx%d", f.Width, f.Height)
	}
	return nil
}

// Config is the client->server session configuration. It opens a session.
type Config struct {
	EventType       EventType  `json:"event_type"`
	ChatID          *uuid.UUID `json:"chat_id,omitempty"`
	InputMode       InputMode  `json:"input_mode"`
	SilenceDuration float64    `json:"silence_duration"`
	AudioFormat
	OutputText  bool `json:"output_text"`
	OutputAudio bool `json:"output_audio"`
	OutputVideo bool `json:"output_video"`
}

// DefaultConfig returns a Config with the protocol defaults: text input,
// device-side silence detection, 16 kHz mono 16-bit audio, all output
// modalities enabled.
func DefaultConfig() Config {
	return Config{
		EventType:       EventConfig,
		InputMode:       InputModeText,
		SilenceDuration: DeviceDetectsSilence,
		AudioFormat: AudioFormat{
			NChannels:   1,
			SampleRate:  16000,
			SampleWidth: 2,
		},
		OutputText:  true,
		OutputAudio: true,
		OutputVideo: true,
	}
}

func (e *Config) Type() EventType { return EventConfig }

func (e *Config) validate() error {
	e.EventType = EventConfig
	if !e.InputMode.valid() {
		return validationErr("invalid input_mode %d", e.InputMode)
	}
	if math.IsNaN(e.SilenceDuration) || math.IsInf(e.SilenceDuration, 0) {
		return validationErr("silence_duration must be finite")
	}
	if e.SilenceDuration < 0 && e.SilenceDuration != DeviceDetectsSilence {
		return validationErr("silence_duration must be -1 or >= 0, got %v", e.SilenceDuration)
	}
	return e.AudioFormat.validate()
}

// InputText is the client's single text input for a TEXT-mode request.
type InputText struct {
	EventType EventType `json:"event_type"`
	Data      string    `json:"data"`
}

func (e *InputText) Type() EventType { return EventInputText }

func (e *InputText) validate() error {
	e.EventType = EventInputText
	return nil
}

// InputMedia is one binary audio chunk from the client. It never appears as
// a text frame; the codec maps it to a binary frame whose 16-byte prefix is
// the request's input audio stream identifier.
type InputMedia struct {
	StreamID uuid.UUID `json:"-"`
	Data     []byte    `json:"-"`
}

func (e *InputMedia) Type() EventType { return EventInputMedia }

func (e *InputMedia) validate() error { return nil }

// InputEnd marks the end of the client's input turn. The emitting side is
// determined by silence_duration.
type InputEnd struct {
	EventType EventType `json:"event_type"`
}

func (e *InputEnd) Type() EventType { return EventInputEnd }

func (e *InputEnd) validate() error {
	e.EventType = EventInputEnd
	return nil
}

// Interrupt is the in-band cancellation signal from the client. The server
// stops emitting output for the current request and proceeds to OutputEnd.
type Interrupt struct {
	EventType     EventType     `json:"event_type"`
	InterruptType InterruptType `json:"interrupt_type"`
}

func (e *Interrupt) Type() EventType { return EventInterrupt }

func (e *Interrupt) validate() error {
	e.EventType = EventInterrupt
	if !e.InterruptType.valid() {
		return validationErr("invalid interrupt_type %d", e.InterruptType)
	}
	return nil
}

// ServerReady announces the session chat id and the id of the next request.
// One is emitted per request.
type ServerReady struct {
	EventType EventType `json:"event_type"`
	ChatID    uuid.UUID `json:"chat_id"`
	RequestID uuid.UUID `json:"request_id"`
}

func (e *ServerReady) Type() EventType { return EventServerReady }

func (e *ServerReady) validate() error {
	e.EventType = EventServerReady
	if e.ChatID == uuid.Nil {
		return validationErr("chat_id must not be nil")
	}
	if e.RequestID == uuid.Nil {
		return validationErr("request_id must not be nil")
	}
	return nil
}

// OutputTranscription carries a partial or final textual view of the input
// audio. The payload is opaque JSON; the protocol only requires it to
// round-trip.
type OutputTranscription struct {
	EventType     EventType       `json:"event_type"`
	Transcription json.RawMessage `json:"transcription"`
}

func (e *OutputTranscription) Type() EventType { return EventOutputTranscription }

func (e *OutputTranscription) validate() error {
	e.EventType = EventOutputTranscription
	if len(e.Transcription) == 0 {
		return validationErr("transcription must not be empty")
	}
	return nil
}

// OutputStage announces a logical step of the response. Stages form a
// forest per request: ParentID is nil for roots and must reference a
// previously announced stage otherwise.
type OutputStage struct {
	EventType   EventType  `json:"event_type"`
	ID          uuid.UUID  `json:"id"`
	ParentID    *uuid.UUID `json:"parent_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
}

func (e *OutputStage) Type() EventType { return EventOutputStage }

func (e *OutputStage) validate() error {
	e.EventType = EventOutputStage
	if e.ID == uuid.Nil {
		return validationErr("stage id must not be nil")
	}
	return nil
}

// OutputTextContent announces a TEXT content unit under a stage.
type OutputTextContent struct {
	EventType   EventType   `json:"event_type"`
	ID          uuid.UUID   `json:"id"`
	ContentType ContentType `json:"type"`
	StageID     uuid.UUID   `json:"stage_id"`
}

func (e *OutputTextContent) Type() EventType { return EventOutputTextContent }

func (e *OutputTextContent) validate() error {
	e.EventType = EventOutputTextContent
	e.ContentType = ContentTypeText
	return validateContentIDs(e.ID, e.StageID)
}

// OutputFunctionCallContent announces a FUNCTION_CALL content unit under a
// stage. Exactly one OutputFunctionCall event follows per such content.
type OutputFunctionCallContent struct {
	EventType   EventType   `json:"event_type"`
	ID          uuid.UUID   `json:"id"`
	ContentType ContentType `json:"type"`
	StageID     uuid.UUID   `json:"stage_id"`
}

func (e *OutputFunctionCallContent) Type() EventType { return EventOutputFunctionCallContent }

func (e *OutputFunctionCallContent) validate() error {
	e.EventType = EventOutputFunctionCallContent
	e.ContentType = ContentTypeFunctionCall
	return validateContentIDs(e.ID, e.StageID)
}

// OutputAudioContent announces an AUDIO content unit with its PCM format.
type OutputAudioContent struct {
	EventType   EventType   `json:"event_type"`
	ID          uuid.UUID   `json:"id"`
	ContentType ContentType `json:"type"`
	StageID     uuid.UUID   `json:"stage_id"`
	AudioFormat
}

func (e *OutputAudioContent) Type() EventType { return EventOutputAudioContent }

func (e *OutputAudioContent) validate() error {
	e.EventType = EventOutputAudioContent
	e.ContentType = ContentTypeAudio
	if err := validateContentIDs(e.ID, e.StageID); err != nil {
		return err
	}
	return e.AudioFormat.validate()
}

// OutputVideoContent announces a VIDEO content unit with its frame format.
type OutputVideoContent struct {
	EventType   EventType   `json:"event_type"`
	ID          uuid.UUID   `json:"id"`
	ContentType ContentType `json:"type"`
	StageID     uuid.UUID   `json:"stage_id"`
	VideoFormat
}

func (e *OutputVideoContent) Type() EventType { return EventOutputVideoContent }

func (e *OutputVideoContent) validate() error {
	e.EventType = EventOutputVideoContent
	e.ContentType = ContentTypeVideo
	if err := validateContentIDs(e.ID, e.StageID); err != nil {
		return err
	}
	return e.VideoFormat.validate()
}

// OutputContentAddition attaches opaque metadata to an announced content.
type OutputContentAddition struct {
	EventType EventType      `json:"event_type"`
	ContentID uuid.UUID      `json:"content_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e *OutputContentAddition) Type() EventType { return EventOutputContentAddition }

func (e *OutputContentAddition) validate() error {
	e.EventType = EventOutputContentAddition
	if e.ContentID == uuid.Nil {
		return validationErr("content_id must not be nil")
	}
	return nil
}

// OutputText is one streamed text fragment of a TEXT content.
type OutputText struct {
	EventType EventType `json:"event_type"`
	ContentID uuid.UUID `json:"content_id"`
	Data      string    `json:"data"`
}

func (e *OutputText) Type() EventType { return EventOutputText }

func (e *OutputText) validate() error {
	e.EventType = EventOutputText
	if e.ContentID == uuid.Nil {
		return validationErr("content_id must not be nil")
	}
	return nil
}

// OutputMedia is one binary media chunk of an AUDIO or VIDEO content. It
// never appears as a text frame; the codec maps it to a binary frame with
// the content id as the 16-byte prefix.
type OutputMedia struct {
	ContentID uuid.UUID `json:"-"`
	Data      []byte    `json:"-"`
}

func (e *OutputMedia) Type() EventType { return EventOutputMedia }

func (e *OutputMedia) validate() error { return nil }

// OutputFunctionCall delivers the single atomic JSON payload of a
// FUNCTION_CALL content.
type OutputFunctionCall struct {
	EventType EventType `json:"event_type"`
	ContentID uuid.UUID `json:"content_id"`
	Data      string    `json:"data"`
}

func (e *OutputFunctionCall) Type() EventType { return EventOutputFunctionCall }

func (e *OutputFunctionCall) validate() error {
	e.EventType = EventOutputFunctionCall
	if e.ContentID == uuid.Nil {
		return validationErr("content_id must not be nil")
	}
	if !json.Valid([]byte(e.Data)) {
		return validationErr("function call data is not valid JSON")
	}
	return nil
}

// OutputEnd terminates the server's output for the current request and
// returns both endpoints to the ready state.
type OutputEnd struct {
	EventType EventType `json:"event_type"`
}

func (e *OutputEnd) Type() EventType { return EventOutputEnd }

func (e *OutputEnd) validate() error {
	e.EventType = EventOutputEnd
	return nil
}

// SessionEnd terminates the session. Either side may emit it.
type SessionEnd struct {
	EventType EventType `json:"event_type"`
}

func (e *SessionEnd) Type() EventType { return EventSessionEnd }

func (e *SessionEnd) validate() error {
	e.EventType = EventSessionEnd
	return nil
}

func validateContentIDs(id, stageID uuid.UUID) error {
	if id == uuid.Nil {
		return validationErr("content id must not be nil")
	}
	if stageID == uuid.Nil {
		return validationErr("stage_id must not be nil")
	}
	return nil
}
