package chatapi

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Direction tells the codec which endpoint emitted a frame. Binary frames
// carry no discriminator; their event type is inferred from direction.
type Direction int

const (
	// ClientToServer marks frames travelling from the client to the server.
	ClientToServer Direction = iota
	// ServerToClient marks frames travelling from the server to the client.
	ServerToClient
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client_to_server"
	case ServerToClient:
		return "server_to_client"
	default:
		return "unknown"
	}
}

// mediaPrefixLen is the length of the raw UUID prefix of binary frames.
const mediaPrefixLen = 16

// requiredKeys lists the JSON keys that must be present for each text-frame
// event. A key may still carry null where the schema allows it (parent_id).
var requiredKeys = map[EventType][]string{
	EventConfig:                    nil, // all fields defaulted
	EventInputText:                 {"data"},
	EventInputEnd:                  nil,
	EventInterrupt:                 {"interrupt_type"},
	EventServerReady:               {"chat_id", "request_id"},
	EventOutputTranscription:       {"transcription"},
	EventOutputStage:               {"id", "parent_id", "title", "description"},
	EventOutputTextContent:         {"id", "type", "stage_id"},
	EventOutputFunctionCallContent: {"id", "type", "stage_id"},
	EventOutputAudioContent:        {"id", "type", "stage_id", "nchannels", "sample_rate", "sample_width"},
	EventOutputVideoContent:        {"id", "type", "stage_id", "fps", "width", "height"},
	EventOutputContentAddition:     {"content_id"},
	EventOutputText:                {"content_id", "data"},
	EventOutputFunctionCall:        {"content_id", "data"},
	EventOutputEnd:                 nil,
	EventSessionEnd:                nil,
}

// EncodeEvent encodes an event into a wire frame. Structured events become
// text frames carrying a JSON object; media events become binary frames
// with a 16-byte stream-identifier prefix. Invalid events are rejected
// before anything is serialized.
func EncodeEvent(e Event) (Frame, error) {
	if err := e.validate(); err != nil {
		return Frame{}, err
	}

	switch m := e.(type) {
	case *InputMedia:
		return Frame{Kind: FrameBinary, Data: EncodeMediaFrame(m.StreamID, m.Data)}, nil
	case *OutputMedia:
		return Frame{Kind: FrameBinary, Data: EncodeMediaFrame(m.ContentID, m.Data)}, nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Frame{}, validationErr("marshal %s: %v", e.Type(), err)
	}
	return Frame{Kind: FrameText, Data: data}, nil
}

// EncodeMediaFrame builds a binary frame: the raw big-endian UUID of the
// target stream followed by the payload bytes.
func EncodeMediaFrame(id uuid.UUID, payload []byte) []byte {
	out := make([]byte, mediaPrefixLen+len(payload))
	copy(out, id[:])
	copy(out[mediaPrefixLen:], payload)
	return out
}

// DecodeFrame decodes a wire frame into a typed event. The direction
// determines whether a binary frame is InputMedia or OutputMedia.
func DecodeFrame(f Frame, dir Direction) (Event, error) {
	switch f.Kind {
	case FrameText:
		return DecodeTextFrame(f.Data)
	case FrameBinary:
		return DecodeBinaryFrame(f.Data, dir)
	default:
		return nil, protocolErr(MalformedEvent, "unknown frame kind %d", f.Kind)
	}
}

// DecodeTextFrame parses a JSON text frame into its event variant. Unknown
// fields are ignored; a missing or unknown event_type, missing required
// fields, or schema violations fail with MalformedEvent.
func DecodeTextFrame(data []byte) (Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, protocolErr(MalformedEvent, "parse text frame: %v", err)
	}

	rawType, ok := raw["event_type"]
	if !ok {
		return nil, protocolErr(MalformedEvent, "missing event_type")
	}
	var et EventType
	if err := json.Unmarshal(rawType, &et); err != nil {
		return nil, protocolErr(MalformedEvent, "parse event_type: %v", err)
	}

	keys, known := requiredKeys[et]
	if !known {
		return nil, protocolErr(MalformedEvent, "unknown event_type %d", et)
	}
	for _, k := range keys {
		if _, ok := raw[k]; !ok {
			return nil, protocolErr(MalformedEvent, "%s: missing required field %q", et, k)
		}
	}

	evt := newEvent(et)
	if evt == nil {
		// INPUT_MEDIA and OUTPUT_MEDIA are binary-frame-only.
		return nil, protocolErr(MalformedEvent, "%s must not appear as a text frame", et)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, protocolErr(MalformedEvent, "parse %s: %v", et, err)
	}
	if err := checkDeclaredContentType(evt); err != nil {
		return nil, err
	}
	if err := evt.validate(); err != nil {
		return nil, protocolErr(MalformedEvent, "%s: %v", et, err)
	}
	return evt, nil
}

// checkDeclaredContentType rejects content announcements whose wire "type"
// field disagrees with the event variant. validate() would silently stamp
// the correct value, so the check must run on the decoded value first.
func checkDeclaredContentType(evt Event) error {
	var declared, want ContentType
	switch c := evt.(type) {
	case *OutputTextContent:
		declared, want = c.ContentType, ContentTypeText
	case *OutputFunctionCallContent:
		declared, want = c.ContentType, ContentTypeFunctionCall
	case *OutputAudioContent:
		declared, want = c.ContentType, ContentTypeAudio
	case *OutputVideoContent:
		declared, want = c.ContentType, ContentTypeVideo
	default:
		return nil
	}
	if declared != want {
		return protocolErr(MalformedEvent, "%s: declared content type %s, want %s",
			evt.Type(), declared, want)
	}
	return nil
}

// DecodeBinaryFrame splits a binary frame into its 16-byte UUID prefix and
// payload. Frames shorter than the prefix are malformed.
func DecodeBinaryFrame(data []byte, dir Direction) (Event, error) {
	if len(data) < mediaPrefixLen {
		return nil, protocolErr(MalformedEvent,
			"binary frame of %d bytes is shorter than the %d-byte stream id prefix",
			len(data), mediaPrefixLen)
	}
	id, err := uuid.FromBytes(data[:mediaPrefixLen])
	if err != nil {
		return nil, protocolErr(MalformedEvent, "binary frame stream id: %v", err)
	}
	payload := make([]byte, len(data)-mediaPrefixLen)
	copy(payload, data[mediaPrefixLen:])

	if dir == ClientToServer {
		return &InputMedia{StreamID: id, Data: payload}, nil
	}
	return &OutputMedia{ContentID: id, Data: payload}, nil
}

// newEvent allocates the variant for an event type, pre-filled with schema
// defaults where the protocol defines them (Config). Returns nil for the
// binary-only media types.
func newEvent(et EventType) Event {
	switch et {
	case EventConfig:
		cfg := DefaultConfig()
		return &cfg
	case EventInputText:
		return &InputText{}
	case EventInputEnd:
		return &InputEnd{}
	case EventInterrupt:
		return &Interrupt{}
	case EventServerReady:
		return &ServerReady{}
	case EventOutputTranscription:
		return &OutputTranscription{}
	case EventOutputStage:
		return &OutputStage{}
	case EventOutputTextContent:
		return &OutputTextContent{}
	case EventOutputFunctionCallContent:
		return &OutputFunctionCallContent{}
	case EventOutputAudioContent:
		return &OutputAudioContent{}
	case EventOutputVideoContent:
		return &OutputVideoContent{}
	case EventOutputContentAddition:
		return &OutputContentAddition{}
	case EventOutputText:
		return &OutputText{}
	case EventOutputFunctionCall:
		return &OutputFunctionCall{}
	case EventOutputEnd:
		return &OutputEnd{}
	case EventSessionEnd:
		return &SessionEnd{}
	default:
		return nil
	}
}
