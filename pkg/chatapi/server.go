package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithServerLenientDecoding makes the server skip malformed inbound frames
// instead of terminating the session.
func WithServerLenientDecoding() ServerOption {
	return func(s *Server) { s.lenient = true }
}

// WithServerObserver registers a hook invoked for every event the server
// sends (sent=true) or accepts (sent=false).
func WithServerObserver(fn func(sent bool, e Event)) ServerOption {
	return func(s *Server) { s.observer = fn }
}

// Server is the server-side protocol driver for one session. It consumes
// and validates client input, enforces the legal sequence of the output
// events the host asks it to emit, and runs server-side silence detection
// when the session configuration requests it.
//
// A background reader pulls frames from the transport; consume them through
// Events. All exported methods are safe for concurrent use.
type Server struct {
	tr       Transport
	log      Logger
	lenient  bool
	observer func(sent bool, e Event)

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex

	mu           sync.Mutex
	phase        sessionPhase
	cfg          *Config
	chatID       uuid.UUID
	requestID    uuid.UUID
	textReceived bool
	inputEnded   bool
	interrupted  bool
	outputEnded  bool
	// silencedReq is the request whose input the silence timer ended; chunks
	// still tagged with it crossed our InputEnd on the wire.
	silencedReq  uuid.UUID
	tracker      *outputTracker
	silenceTimer *time.Timer
	sessionEnded bool
	termErr      error

	events chan eventOrErr
}

// NewServer creates a server driver over an accepted transport and starts
// its background reader. The first event delivered is the client's Config;
// answer it with Ready.
func NewServer(tr Transport, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		tr:     tr,
		log:    DefaultLogger(),
		ctx:    ctx,
		cancel: cancel,
		phase:  phaseInit,
		events: make(chan eventOrErr, eventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

// Config returns the session configuration, or nil before Config arrived.
func (s *Server) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ChatID returns the session chat id once Ready has assigned it.
func (s *Server) ChatID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// RequestID returns the id of the current request.
func (s *Server) RequestID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

// Events returns an iterator over client events accepted by the server, in
// arrival order. Server-detected end of input surfaces as a synthesized
// InputEnd. The iterator ends after SessionEnd, a clean transport close, or
// a terminal error (yielded as the final item).
func (s *Server) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for item := range s.events {
			if !yield(item.evt, item.err) {
				return
			}
			if item.err != nil {
				return
			}
		}
	}
}

// Ready opens the next request by emitting ServerReady. chatID may be
// uuid.Nil to keep the session's id (or generate one on the first request;
// a client-suggested Config.ChatID is honored). requestID may be uuid.Nil
// to generate one.
func (s *Server) Ready(ctx context.Context, chatID, requestID uuid.UUID) (*ServerReady, error) {
	s.mu.Lock()
	if s.phase != phaseConfigured && s.phase != phaseReady {
		s.mu.Unlock()
		return nil, validationErr("ready in state %s", s.phase)
	}
	if chatID == uuid.Nil {
		chatID = s.chatID
	}
	if chatID == uuid.Nil && s.cfg.ChatID != nil {
		chatID = *s.cfg.ChatID
	}
	if chatID == uuid.Nil {
		chatID = uuid.New()
	}
	if s.chatID != uuid.Nil && chatID != s.chatID {
		s.mu.Unlock()
		return nil, validationErr("chat_id is fixed to %s for the session", s.chatID)
	}
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}
	s.chatID = chatID
	s.requestID = requestID
	s.textReceived = false
	s.inputEnded = false
	s.interrupted = false
	s.outputEnded = false
	s.tracker = newOutputTracker()
	if s.cfg.InputMode == InputModeAudio {
		s.phase = phaseAwaitInput
	} else {
		s.phase = phaseAwaitInputText
	}
	ready := &ServerReady{ChatID: chatID, RequestID: requestID}
	s.sendMu.Lock()
	s.mu.Unlock()
	err := s.sendLocked(ctx, ready)
	s.sendMu.Unlock()
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// Transcription emits a transcription of the input audio. Valid from the
// start of an AUDIO request until its OutputEnd.
func (s *Server) Transcription(ctx context.Context, transcription json.RawMessage) error {
	return s.checkedSend(ctx, &OutputTranscription{Transcription: transcription}, func() error {
		if s.cfg == nil || s.cfg.InputMode != InputModeAudio {
			return validationErr("transcription requires audio input mode")
		}
		if s.phase != phaseAwaitInput && s.phase != phaseResponding {
			return validationErr("transcription in state %s", s.phase)
		}
		if s.interrupted || s.outputEnded {
			return validationErr("request output is closed")
		}
		return nil
	})
}

// Stage announces a response stage and returns its generated id. parentID
// is nil for a root stage and must reference an earlier stage of the same
// request otherwise.
func (s *Server) Stage(ctx context.Context, title, description string, parentID *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	evt := &OutputStage{ID: id, ParentID: parentID, Title: title, Description: description}
	err := s.checkedSend(ctx, evt, func() error {
		if err := s.checkOutput("stage"); err != nil {
			return err
		}
		if err := s.tracker.addStage(id, parentID); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// TextContent announces a TEXT content under a stage and returns its id.
func (s *Server) TextContent(ctx context.Context, stageID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	evt := &OutputTextContent{ID: id, StageID: stageID}
	if err := s.announceContent(ctx, evt, id, ContentTypeText, stageID); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FunctionCallContent announces a FUNCTION_CALL content under a stage and
// returns its id. Exactly one WriteFunctionCall must follow.
func (s *Server) FunctionCallContent(ctx context.Context, stageID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	evt := &OutputFunctionCallContent{ID: id, StageID: stageID}
	if err := s.announceContent(ctx, evt, id, ContentTypeFunctionCall, stageID); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AudioContent announces an AUDIO content under a stage and returns its id.
func (s *Server) AudioContent(ctx context.Context, stageID uuid.UUID, format AudioFormat) (uuid.UUID, error) {
	id := uuid.New()
	evt := &OutputAudioContent{ID: id, StageID: stageID, AudioFormat: format}
	if err := s.announceContent(ctx, evt, id, ContentTypeAudio, stageID); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// VideoContent announces a VIDEO content under a stage and returns its id.
func (s *Server) VideoContent(ctx context.Context, stageID uuid.UUID, format VideoFormat) (uuid.UUID, error) {
	id := uuid.New()
	evt := &OutputVideoContent{ID: id, StageID: stageID, VideoFormat: format}
	if err := s.announceContent(ctx, evt, id, ContentTypeVideo, stageID); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ContentAddition attaches metadata to an announced content.
func (s *Server) ContentAddition(ctx context.Context, contentID uuid.UUID, metadata map[string]any) error {
	return s.checkedSend(ctx, &OutputContentAddition{ContentID: contentID, Metadata: metadata}, func() error {
		if err := s.checkOutput("content addition"); err != nil {
			return err
		}
		if err := s.tracker.checkAddition(contentID); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	})
}

// WriteText emits one text fragment for a TEXT content.
func (s *Server) WriteText(ctx context.Context, contentID uuid.UUID, data string) error {
	return s.checkedSend(ctx, &OutputText{ContentID: contentID, Data: data}, func() error {
		if err := s.checkOutput("text"); err != nil {
			return err
		}
		if err := s.tracker.addText(contentID); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	})
}

// WriteFunctionCall emits the single JSON payload of a FUNCTION_CALL
// content.
func (s *Server) WriteFunctionCall(ctx context.Context, contentID uuid.UUID, data string) error {
	return s.checkedSend(ctx, &OutputFunctionCall{ContentID: contentID, Data: data}, func() error {
		if err := s.checkOutput("function call"); err != nil {
			return err
		}
		if err := s.tracker.addFunctionCall(contentID); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	})
}

// WriteMedia emits one binary chunk for an AUDIO or VIDEO content.
func (s *Server) WriteMedia(ctx context.Context, contentID uuid.UUID, data []byte) error {
	return s.checkedSend(ctx, &OutputMedia{ContentID: contentID, Data: data}, func() error {
		if err := s.checkOutput("media"); err != nil {
			return err
		}
		if err := s.tracker.addMedia(contentID); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	})
}

// TextStream returns a stream handle over a freshly announced TEXT content.
// Closing the handle only marks the handle; TEXT contents need no stream
// bookkeeping because each fragment is self-contained.
func (s *Server) TextStream(ctx context.Context, stageID uuid.UUID) (*SendStream[string], error) {
	id, err := s.TextContent(ctx, stageID)
	if err != nil {
		return nil, err
	}
	return &SendStream[string]{
		contentID: id,
		send: func(ctx context.Context, chunk string) error {
			return s.WriteText(ctx, id, chunk)
		},
	}, nil
}

// AudioStream announces an AUDIO content and returns a stream handle for
// its chunks. EndOutput is blocked until the handle is closed.
func (s *Server) AudioStream(ctx context.Context, stageID uuid.UUID, format AudioFormat) (*SendStream[[]byte], error) {
	id, err := s.AudioContent(ctx, stageID, format)
	if err != nil {
		return nil, err
	}
	return s.mediaStream(id)
}

// VideoStream announces a VIDEO content and returns a stream handle for
// its chunks. EndOutput is blocked until the handle is closed.
func (s *Server) VideoStream(ctx context.Context, stageID uuid.UUID, format VideoFormat) (*SendStream[[]byte], error) {
	id, err := s.VideoContent(ctx, stageID, format)
	if err != nil {
		return nil, err
	}
	return s.mediaStream(id)
}

func (s *Server) mediaStream(contentID uuid.UUID) (*SendStream[[]byte], error) {
	s.mu.Lock()
	if err := s.tracker.openStream(contentID); err != nil {
		s.mu.Unlock()
		return nil, &ValidationError{Err: err}
	}
	s.mu.Unlock()

	return &SendStream[[]byte]{
		contentID: contentID,
		send: func(ctx context.Context, chunk []byte) error {
			return s.WriteMedia(ctx, contentID, chunk)
		},
		close: func(ctx context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.tracker.closeStream(contentID); err != nil {
				return &ValidationError{Err: err}
			}
			return nil
		},
	}, nil
}

// EndOutput closes the current request's output and returns the session to
// the ready state. Unless the request was interrupted, every announced
// content must carry data and every media stream must be closed.
func (s *Server) EndOutput(ctx context.Context) error {
	return s.checkedSend(ctx, &OutputEnd{}, func() error {
		if s.phase != phaseResponding {
			return validationErr("end output in state %s", s.phase)
		}
		if s.outputEnded {
			return validationErr("output already ended")
		}
		if err := s.tracker.checkEnd(s.interrupted); err != nil {
			return &ValidationError{Err: err}
		}
		s.outputEnded = true
		s.phase = phaseReady
		return nil
	})
}

// EndSession ends the session. Idempotent: exactly one SessionEnd frame is
// emitted, and the transport is closed afterwards.
func (s *Server) EndSession(ctx context.Context) error {
	s.mu.Lock()
	if s.sessionEnded || s.phase == phaseTerminated {
		s.mu.Unlock()
		return nil
	}
	s.sessionEnded = true
	s.phase = phaseTerminated
	s.stopSilenceTimer()
	s.sendMu.Lock()
	s.mu.Unlock()
	err := s.sendLocked(ctx, &SessionEnd{})
	s.sendMu.Unlock()
	closeErr := s.tr.Close()
	s.cancel()
	if err != nil {
		return err
	}
	return closeErr
}

// Close aborts the session without emitting SessionEnd.
func (s *Server) Close() error {
	s.mu.Lock()
	s.phase = phaseTerminated
	s.sessionEnded = true
	s.stopSilenceTimer()
	s.mu.Unlock()
	s.cancel()
	return s.tr.Close()
}

// checkOutput requires the session to be inside an open response. Locked by
// the caller.
func (s *Server) checkOutput(what string) error {
	if s.phase != phaseResponding {
		return validationErr("%s in state %s", what, s.phase)
	}
	if s.interrupted || s.outputEnded {
		return validationErr("request output is closed")
	}
	return nil
}

func (s *Server) announceContent(ctx context.Context, evt Event, id uuid.UUID, ctype ContentType, stageID uuid.UUID) error {
	return s.checkedSend(ctx, evt, func() error {
		if err := s.checkOutput(ctype.String() + " content"); err != nil {
			return err
		}
		if err := s.tracker.addContent(id, ctype, stageID); err != nil {
			return &ValidationError{Err: err}
		}
		return nil
	})
}

// checkedSend validates under the state lock, then takes the send lock
// before releasing it. A frame that passed validation therefore reaches the
// wire ahead of any emission triggered by a later state change, in
// particular the OutputEnd the read loop sends when an Interrupt arrives.
func (s *Server) checkedSend(ctx context.Context, e Event, check func() error) error {
	s.mu.Lock()
	if err := check(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()
	return s.sendLocked(ctx, e)
}

func (s *Server) sendEvent(ctx context.Context, e Event) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(ctx, e)
}

// sendLocked encodes and emits one frame. The caller holds sendMu.
func (s *Server) sendLocked(ctx context.Context, e Event) error {
	frame, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := sendFrame(ctx, s.tr, frame); err != nil {
		return wrapSendErr(err)
	}
	if s.observer != nil {
		s.observer(true, e)
	}
	return nil
}

func (s *Server) readLoop() {
	defer close(s.events)
	for {
		frame, err := s.tr.Recv(s.ctx)
		if err != nil {
			s.handleRecvErr(err)
			return
		}

		evt, err := DecodeFrame(frame, ClientToServer)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Kind == MalformedEvent && s.lenient {
				s.log.WarnPrintf("skipping malformed frame: %v", err)
				continue
			}
			s.fail(err)
			return
		}

		deliver, err := s.applyInbound(evt)
		if err != nil {
			s.fail(err)
			return
		}
		if deliver {
			if s.observer != nil {
				s.observer(false, evt)
			}
			select {
			case s.events <- eventOrErr{evt: evt}:
			case <-s.ctx.Done():
				return
			}
		}

		if _, ok := evt.(*SessionEnd); ok {
			_ = s.tr.Close()
			return
		}
	}
}

func (s *Server) handleRecvErr(err error) {
	s.mu.Lock()
	ended := s.sessionEnded || s.phase == phaseTerminated
	s.phase = phaseTerminated
	s.stopSilenceTimer()
	s.mu.Unlock()

	if ended || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	var te *TransportError
	if !errors.As(err, &te) {
		err = transportErr("recv", err)
	}
	s.fail(err)
}

func (s *Server) fail(err error) {
	s.mu.Lock()
	s.phase = phaseTerminated
	s.termErr = err
	s.stopSilenceTimer()
	s.mu.Unlock()
	s.log.ErrorPrintf("terminating session: %v", err)
	_ = s.tr.Close()
	select {
	case s.events <- eventOrErr{err: err}:
	case <-s.ctx.Done():
	}
	s.cancel()
}

// applyInbound advances the session state for a decoded client event and
// reports whether it should be delivered to the host.
func (s *Server) applyInbound(evt Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := evt.(type) {
	case *Config:
		if s.phase != phaseInit {
			return false, protocolErr(IllegalTransition, "config in state %s", s.phase)
		}
		s.cfg = e
		s.phase = phaseConfigured
		return true, nil

	case *InputText:
		if s.phase != phaseAwaitInputText {
			return false, protocolErr(IllegalTransition, "input_text in state %s", s.phase)
		}
		if s.textReceived {
			return false, protocolErr(IllegalTransition, "second input_text in one request")
		}
		s.textReceived = true
		return true, nil

	case *InputMedia:
		if e.StreamID != uuid.Nil && e.StreamID == s.silencedReq {
			// The chunk crossed our silence-detected InputEnd on the wire.
			// Stale but benign; drop it.
			return false, nil
		}
		if s.phase != phaseAwaitInput {
			return false, protocolErr(IllegalTransition, "input_media in state %s", s.phase)
		}
		if e.StreamID != s.requestID {
			return false, protocolErr(UnknownReference,
				"input media for unknown stream %s, want %s", e.StreamID, s.requestID)
		}
		if s.cfg.SilenceDuration >= 0 {
			s.armSilenceTimer()
		}
		return true, nil

	case *InputEnd:
		if !s.phase.inputPhase() {
			return false, protocolErr(IllegalTransition, "input_end in state %s", s.phase)
		}
		// The client may end input only when it is the designated detector.
		if s.phase == phaseAwaitInput && s.cfg.SilenceDuration != DeviceDetectsSilence {
			return false, protocolErr(IllegalTransition,
				"client input_end with server-side silence detection")
		}
		if s.phase == phaseAwaitInputText && !s.textReceived {
			return false, protocolErr(IllegalTransition, "input_end before input_text")
		}
		s.inputEnded = true
		s.stopSilenceTimer()
		s.phase = phaseResponding
		return true, nil

	case *Interrupt:
		if s.phase == phaseReady {
			// The interrupt crossed our OutputEnd on the wire. The request
			// is already closed; nothing to do.
			return false, nil
		}
		if !s.phase.inputPhase() && s.phase != phaseResponding {
			return false, protocolErr(IllegalTransition, "interrupt in state %s", s.phase)
		}
		s.interrupted = true
		s.stopSilenceTimer()
		s.outputEnded = true
		s.phase = phaseReady
		// Close the request before the host can observe the interrupt; this
		// keeps OutputEnd ahead of the next ServerReady on the wire.
		if err := s.sendEvent(s.ctx, &OutputEnd{}); err != nil {
			s.log.WarnPrintf("closing interrupted request: %v", err)
		}
		return true, nil

	case *SessionEnd:
		s.phase = phaseTerminated
		s.sessionEnded = true
		s.stopSilenceTimer()
		return true, nil

	default:
		return false, protocolErr(IllegalTransition, "unexpected %s from client", evt.Type())
	}
}

// armSilenceTimer (re)starts the server-side end-of-speech countdown. Each
// audio chunk resets it. Locked by the caller.
func (s *Server) armSilenceTimer() {
	d := time.Duration(s.cfg.SilenceDuration * float64(time.Millisecond))
	if s.silenceTimer != nil {
		s.silenceTimer.Reset(d)
		return
	}
	s.silenceTimer = time.AfterFunc(d, s.onSilence)
}

// stopSilenceTimer stops the countdown if armed. Locked by the caller.
func (s *Server) stopSilenceTimer() {
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
}

// onSilence fires when no audio chunk arrived within silence_duration: the
// server ends the input turn, notifies the client and surfaces a
// synthesized InputEnd to the host.
func (s *Server) onSilence() {
	s.mu.Lock()
	if s.phase != phaseAwaitInput || s.inputEnded || s.interrupted {
		s.mu.Unlock()
		return
	}
	s.inputEnded = true
	s.silencedReq = s.requestID
	s.phase = phaseResponding
	end := &InputEnd{EventType: EventInputEnd}
	s.sendMu.Lock()
	s.mu.Unlock()
	err := s.sendLocked(s.ctx, end)
	s.sendMu.Unlock()
	if err != nil {
		s.log.WarnPrintf("sending input_end after silence: %v", err)
	}
	select {
	case s.events <- eventOrErr{evt: end}:
	case <-s.ctx.Done():
	}
}
