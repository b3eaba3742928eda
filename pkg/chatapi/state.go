package chatapi

import (
	"fmt"

	"github.com/google/uuid"
)

// sessionPhase tracks where an endpoint is in the session state machine.
// Both drivers run the same machine; only the set of events each may emit
// in a phase differs by role.
type sessionPhase int

const (
	// phaseInit: no Config exchanged yet.
	phaseInit sessionPhase = iota
	// phaseConfigured: Config exchanged, awaiting ServerReady.
	phaseConfigured
	// phaseAwaitInput: AUDIO request, client streaming audio chunks.
	phaseAwaitInput
	// phaseAwaitInputText: TEXT request, client sends InputText + InputEnd.
	phaseAwaitInputText
	// phaseResponding: input ended, server emitting the output tree.
	phaseResponding
	// phaseReady: previous request finished, awaiting the next ServerReady.
	phaseReady
	// phaseTerminated: SessionEnd observed or transport closed.
	phaseTerminated
)

// String returns the string representation of the phase.
func (p sessionPhase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseConfigured:
		return "configured"
	case phaseAwaitInput:
		return "await_input"
	case phaseAwaitInputText:
		return "await_input_text"
	case phaseResponding:
		return "responding"
	case phaseReady:
		return "ready"
	case phaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// inputPhase reports whether the phase accepts client input for the
// current request.
func (p sessionPhase) inputPhase() bool {
	return p == phaseAwaitInput || p == phaseAwaitInputText
}

// contentRecord is the tracker's view of one announced content.
type contentRecord struct {
	ctype   ContentType
	stageID uuid.UUID
	hasData bool
}

// outputTracker validates the stage/content/chunk tree of one request. The
// server consults it before emitting output events; the client replays the
// same checks on receipt, so both sides hold an identical view of the
// announced identifiers.
type outputTracker struct {
	stageParents map[uuid.UUID]*uuid.UUID
	contents     map[uuid.UUID]*contentRecord
	openStreams  map[uuid.UUID]struct{}
}

func newOutputTracker() *outputTracker {
	return &outputTracker{
		stageParents: make(map[uuid.UUID]*uuid.UUID),
		contents:     make(map[uuid.UUID]*contentRecord),
		openStreams:  make(map[uuid.UUID]struct{}),
	}
}

// addStage registers a stage, checking id uniqueness, parent existence and
// parent-chain acyclicity.
func (t *outputTracker) addStage(id uuid.UUID, parentID *uuid.UUID) error {
	if _, ok := t.stageParents[id]; ok {
		return fmt.Errorf("%w: duplicate stage id %s", errIllegalState, id)
	}
	if parentID != nil {
		if _, ok := t.stageParents[*parentID]; !ok {
			return fmt.Errorf("%w: parent stage %s not found for stage %s",
				errUnknownReference, *parentID, id)
		}
	}

	// Walk the parent chain to reject cycles before registering.
	visited := map[uuid.UUID]struct{}{id: {}}
	current := parentID
	for current != nil {
		if _, ok := visited[*current]; ok {
			return fmt.Errorf("%w: circular stage relationship involving %s",
				errIllegalState, *current)
		}
		visited[*current] = struct{}{}
		current = t.stageParents[*current]
	}

	t.stageParents[id] = parentID
	return nil
}

// addContent registers a content under a previously announced stage.
func (t *outputTracker) addContent(id uuid.UUID, ctype ContentType, stageID uuid.UUID) error {
	if _, ok := t.contents[id]; ok {
		return fmt.Errorf("%w: duplicate content id %s", errIllegalState, id)
	}
	if _, ok := t.stageParents[stageID]; !ok {
		return fmt.Errorf("%w: stage %s not found for content %s",
			errUnknownReference, stageID, id)
	}
	t.contents[id] = &contentRecord{ctype: ctype, stageID: stageID}
	return nil
}

func (t *outputTracker) lookup(contentID uuid.UUID, op string) (*contentRecord, error) {
	rec, ok := t.contents[contentID]
	if !ok {
		return nil, fmt.Errorf("%w: content %s not announced before %s",
			errUnknownReference, contentID, op)
	}
	return rec, nil
}

// checkAddition validates a metadata addition against a known content.
func (t *outputTracker) checkAddition(contentID uuid.UUID) error {
	_, err := t.lookup(contentID, "content addition")
	return err
}

// addText records a text fragment for a TEXT content. Unbounded fragments
// per content are allowed.
func (t *outputTracker) addText(contentID uuid.UUID) error {
	rec, err := t.lookup(contentID, "text")
	if err != nil {
		return err
	}
	if rec.ctype != ContentTypeText {
		return fmt.Errorf("%w: content %s is %s, not text", errIllegalState, contentID, rec.ctype)
	}
	rec.hasData = true
	return nil
}

// addFunctionCall records the single datum of a FUNCTION_CALL content.
func (t *outputTracker) addFunctionCall(contentID uuid.UUID) error {
	rec, err := t.lookup(contentID, "function call")
	if err != nil {
		return err
	}
	if rec.ctype != ContentTypeFunctionCall {
		return fmt.Errorf("%w: content %s is %s, not function_call",
			errIllegalState, contentID, rec.ctype)
	}
	if rec.hasData {
		return fmt.Errorf("%w: content %s already has a function call",
			errIllegalState, contentID)
	}
	rec.hasData = true
	return nil
}

// addMedia records a binary chunk for an AUDIO or VIDEO content. Unbounded
// chunks per content are allowed.
func (t *outputTracker) addMedia(contentID uuid.UUID) error {
	rec, err := t.lookup(contentID, "media")
	if err != nil {
		return err
	}
	if rec.ctype != ContentTypeAudio && rec.ctype != ContentTypeVideo {
		return fmt.Errorf("%w: content %s is %s, not audio or video",
			errIllegalState, contentID, rec.ctype)
	}
	rec.hasData = true
	return nil
}

// openStream marks a media stream open for the content; end of output is
// blocked until it is closed again.
func (t *outputTracker) openStream(contentID uuid.UUID) error {
	rec, err := t.lookup(contentID, "stream open")
	if err != nil {
		return err
	}
	if rec.ctype == ContentTypeFunctionCall {
		return fmt.Errorf("%w: function call content %s does not support streaming",
			errIllegalState, contentID)
	}
	if _, ok := t.openStreams[contentID]; ok {
		return fmt.Errorf("%w: stream already open for content %s", errIllegalState, contentID)
	}
	t.openStreams[contentID] = struct{}{}
	return nil
}

// closeStream marks a previously opened stream closed.
func (t *outputTracker) closeStream(contentID uuid.UUID) error {
	if _, ok := t.openStreams[contentID]; !ok {
		return fmt.Errorf("%w: stream not open for content %s", errIllegalState, contentID)
	}
	delete(t.openStreams, contentID)
	return nil
}

// checkEnd validates that the request's output may be terminated: no open
// streams and every announced content carries data. An interrupted request
// short-circuits past both checks.
func (t *outputTracker) checkEnd(interrupted bool) error {
	if interrupted {
		return nil
	}
	if len(t.openStreams) > 0 {
		return fmt.Errorf("%w: %d media streams still open", errIllegalState, len(t.openStreams))
	}
	for id, rec := range t.contents {
		if !rec.hasData {
			return fmt.Errorf("%w: content %s has no data", errIllegalState, id)
		}
	}
	return nil
}
