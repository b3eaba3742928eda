package chatapi

// InputMode selects how the client delivers its input turn.
// Wire values are stable integers.
type InputMode int

const (
	InputModeAudio InputMode = 0
	InputModeText  InputMode = 1
)

// String returns the string representation of the mode.
func (m InputMode) String() string {
	switch m {
	case InputModeAudio:
		return "audio"
	case InputModeText:
		return "text"
	default:
		return "unknown"
	}
}

func (m InputMode) valid() bool {
	return m == InputModeAudio || m == InputModeText
}

// ContentType identifies the kind of an output content unit.
// Wire values are stable integers.
type ContentType int

const (
	ContentTypeAudio        ContentType = 0
	ContentTypeVideo        ContentType = 1
	ContentTypeText         ContentType = 2
	ContentTypeFunctionCall ContentType = 3
)

// String returns the string representation of the content type.
func (ct ContentType) String() string {
	switch ct {
	case ContentTypeAudio:
		return "audio"
	case ContentTypeVideo:
		return "video"
	case ContentTypeText:
		return "text"
	case ContentTypeFunctionCall:
		return "function_call"
	default:
		return "unknown"
	}
}

func (ct ContentType) valid() bool {
	return ct >= ContentTypeAudio && ct <= ContentTypeFunctionCall
}

// InterruptType records why the client interrupted the current request.
// USER and SYSTEM have identical wire semantics; the type is informational.
type InterruptType int

const (
	InterruptUser   InterruptType = 0
	InterruptSystem InterruptType = 1
)

// String returns the string representation of the interrupt type.
func (it InterruptType) String() string {
	switch it {
	case InterruptUser:
		return "user"
	case InterruptSystem:
		return "system"
	default:
		return "unknown"
	}
}

func (it InterruptType) valid() bool {
	return it == InterruptUser || it == InterruptSystem
}

// EventType discriminates the closed set of protocol events. Wire values
// are stable integers; peers speaking earlier enum revisions are not
// wire-compatible.
type EventType int

const (
	EventConfig                    EventType = 0
	EventInputText                 EventType = 1
	EventInputMedia                EventType = 2
	EventInputEnd                  EventType = 3
	EventInterrupt                 EventType = 4
	EventServerReady               EventType = 5
	EventOutputTranscription       EventType = 6
	EventOutputStage               EventType = 7
	EventOutputTextContent         EventType = 8
	EventOutputFunctionCallContent EventType = 9
	EventOutputAudioContent        EventType = 10
	EventOutputVideoContent        EventType = 11
	EventOutputContentAddition     EventType = 12
	EventOutputText                EventType = 13
	EventOutputMedia               EventType = 14
	EventOutputFunctionCall        EventType = 15
	EventOutputEnd                 EventType = 16
	EventSessionEnd                EventType = 17
)

// String returns the string representation of the event type.
func (et EventType) String() string {
	switch et {
	case EventConfig:
		return "config"
	case EventInputText:
		return "input_text"
	case EventInputMedia:
		return "input_media"
	case EventInputEnd:
		return "input_end"
	case EventInterrupt:
		return "interrupt"
	case EventServerReady:
		return "server_ready"
	case EventOutputTranscription:
		return "output_transcription"
	case EventOutputStage:
		return "output_stage"
	case EventOutputTextContent:
		return "output_text_content"
	case EventOutputFunctionCallContent:
		return "output_function_call_content"
	case EventOutputAudioContent:
		return "output_audio_content"
	case EventOutputVideoContent:
		return "output_video_content"
	case EventOutputContentAddition:
		return "output_content_addition"
	case EventOutputText:
		return "output_text"
	case EventOutputMedia:
		return "output_media"
	case EventOutputFunctionCall:
		return "output_function_call"
	case EventOutputEnd:
		return "output_end"
	case EventSessionEnd:
		return "session_end"
	default:
		return "unknown"
	}
}
