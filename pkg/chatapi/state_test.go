package chatapi

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestTrackerStages(t *testing.T) {
	tr := newOutputTracker()
	root := uuid.New()
	child := uuid.New()

	if err := tr.addStage(root, nil); err != nil {
		t.Fatalf("root stage: %v", err)
	}
	if err := tr.addStage(child, &root); err != nil {
		t.Fatalf("child stage: %v", err)
	}

	if err := tr.addStage(root, nil); !errors.Is(err, errIllegalState) {
		t.Errorf("duplicate stage: got %v, want illegal state", err)
	}

	orphan := uuid.New()
	missing := uuid.New()
	if err := tr.addStage(orphan, &missing); !errors.Is(err, errUnknownReference) {
		t.Errorf("unknown parent: got %v, want unknown reference", err)
	}
}

func TestTrackerSelfParentStage(t *testing.T) {
	tr := newOutputTracker()
	id := uuid.New()
	if err := tr.addStage(id, &id); err == nil {
		t.Error("self-parented stage accepted")
	}
}

func TestTrackerContents(t *testing.T) {
	tr := newOutputTracker()
	stage := uuid.New()
	if err := tr.addStage(stage, nil); err != nil {
		t.Fatalf("stage: %v", err)
	}

	text := uuid.New()
	if err := tr.addContent(text, ContentTypeText, stage); err != nil {
		t.Fatalf("content: %v", err)
	}
	if err := tr.addContent(text, ContentTypeText, stage); !errors.Is(err, errIllegalState) {
		t.Errorf("duplicate content: got %v, want illegal state", err)
	}
	if err := tr.addContent(uuid.New(), ContentTypeAudio, uuid.New()); !errors.Is(err, errUnknownReference) {
		t.Errorf("unknown stage: got %v, want unknown reference", err)
	}

	// A chunk op against an unannounced content is an unknown reference.
	if err := tr.addText(uuid.New()); !errors.Is(err, errUnknownReference) {
		t.Errorf("text to unknown content: got %v, want unknown reference", err)
	}

	// Chunk type must match the announced content type.
	if err := tr.addMedia(text); !errors.Is(err, errIllegalState) {
		t.Errorf("media to text content: got %v, want illegal state", err)
	}
	if err := tr.addText(text); err != nil {
		t.Errorf("text fragment: %v", err)
	}
	if err := tr.addText(text); err != nil {
		t.Errorf("second text fragment: %v", err)
	}
}

func TestTrackerFunctionCallSingleShot(t *testing.T) {
	tr := newOutputTracker()
	stage := uuid.New()
	fc := uuid.New()
	if err := tr.addStage(stage, nil); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := tr.addContent(fc, ContentTypeFunctionCall, stage); err != nil {
		t.Fatalf("content: %v", err)
	}

	if err := tr.addFunctionCall(fc); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := tr.addFunctionCall(fc); !errors.Is(err, errIllegalState) {
		t.Errorf("second call: got %v, want illegal state", err)
	}
	if err := tr.openStream(fc); !errors.Is(err, errIllegalState) {
		t.Errorf("stream on function call: got %v, want illegal state", err)
	}
}

func TestTrackerStreams(t *testing.T) {
	tr := newOutputTracker()
	stage := uuid.New()
	audio := uuid.New()
	if err := tr.addStage(stage, nil); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := tr.addContent(audio, ContentTypeAudio, stage); err != nil {
		t.Fatalf("content: %v", err)
	}

	if err := tr.openStream(audio); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tr.openStream(audio); !errors.Is(err, errIllegalState) {
		t.Errorf("double open: got %v, want illegal state", err)
	}

	if err := tr.addMedia(audio); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	// End of output is blocked while a stream is open.
	if err := tr.checkEnd(false); !errors.Is(err, errIllegalState) {
		t.Errorf("end with open stream: got %v, want illegal state", err)
	}
	if err := tr.closeStream(audio); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.closeStream(audio); !errors.Is(err, errIllegalState) {
		t.Errorf("double close: got %v, want illegal state", err)
	}
	if err := tr.checkEnd(false); err != nil {
		t.Errorf("end: %v", err)
	}
}

func TestTrackerCheckEnd(t *testing.T) {
	tr := newOutputTracker()
	stage := uuid.New()
	empty := uuid.New()
	if err := tr.addStage(stage, nil); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := tr.addContent(empty, ContentTypeText, stage); err != nil {
		t.Fatalf("content: %v", err)
	}

	if err := tr.checkEnd(false); !errors.Is(err, errIllegalState) {
		t.Errorf("end with dataless content: got %v, want illegal state", err)
	}
	// An interrupted request ends regardless.
	if err := tr.checkEnd(true); err != nil {
		t.Errorf("interrupted end: %v", err)
	}

	if err := tr.addText(empty); err != nil {
		t.Fatalf("text: %v", err)
	}
	if err := tr.checkEnd(false); err != nil {
		t.Errorf("end: %v", err)
	}
}

func TestSessionPhaseStrings(t *testing.T) {
	phases := []sessionPhase{
		phaseInit, phaseConfigured, phaseAwaitInput, phaseAwaitInputText,
		phaseResponding, phaseReady, phaseTerminated,
	}
	seen := map[string]bool{}
	for _, p := range phases {
		s := p.String()
		if s == "unknown" || seen[s] {
			t.Errorf("phase %d: bad or duplicate name %q", p, s)
		}
		seen[s] = true
	}
}
