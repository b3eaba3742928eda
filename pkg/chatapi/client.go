package chatapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// eventOrErr is one item of a driver's inbound event channel.
type eventOrErr struct {
	evt Event
	err error
}

// eventBuffer caps undelivered events between a driver's read loop and its
// host.
const eventBuffer = 64

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithLenientDecoding makes the client skip malformed inbound frames
// instead of terminating the session. Illegal transitions and unknown
// references remain terminal.
func WithLenientDecoding() ClientOption {
	return func(c *Client) { c.lenient = true }
}

// WithClientObserver registers a hook invoked for every event the client
// sends (sent=true) or accepts (sent=false). Intended for tracing.
func WithClientObserver(fn func(sent bool, e Event)) ClientOption {
	return func(c *Client) { c.observer = fn }
}

// Client is the client-side protocol driver. It produces the input side of
// each request, consumes and validates server output, and enforces the
// legal event sequence on both directions.
//
// A background reader pulls frames from the transport; consume them through
// Events. All exported methods are safe for concurrent use.
type Client struct {
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
	textSent     bool
	inputEnded   bool
	interrupted  bool
	view         *outputTracker
	sessionEnded bool
	termErr      error

	readyCh chan *ServerReady
	events  chan eventOrErr
}

// NewClient creates a client driver over an established transport and
// starts its background reader. Call Configure to open the session.
func NewClient(tr Transport, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		tr:      tr,
		log:     DefaultLogger(),
		ctx:     ctx,
		cancel:  cancel,
		phase:   phaseInit,
		readyCh: make(chan *ServerReady, 1),
		events:  make(chan eventOrErr, eventBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// ChatID returns the session chat id assigned by the server.
func (c *Client) ChatID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// RequestID returns the id of the current request.
func (c *Client) RequestID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestID
}

// Events returns an iterator over server events accepted by the client, in
// arrival order. The iterator ends after SessionEnd, a clean transport
// close, or a terminal error (yielded as the final item).
func (c *Client) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for item := range c.events {
			if !yield(item.evt, item.err) {
				return
			}
			if item.err != nil {
				return
			}
		}
	}
}

// Configure validates and sends Config, then blocks until the server's
// first ServerReady arrives.
func (c *Client) Configure(ctx context.Context, cfg Config) (*ServerReady, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.phase != phaseInit {
		c.mu.Unlock()
		return nil, validationErr("configure in state %s", c.phase)
	}
	c.cfg = &cfg
	c.phase = phaseConfigured
	c.mu.Unlock()

	if err := c.sendEvent(ctx, &cfg); err != nil {
		return nil, err
	}

	select {
	case ready := <-c.readyCh:
		return ready, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.mu.Lock()
		err := c.termErr
		c.mu.Unlock()
		if err == nil {
			err = validationErr("session terminated before ServerReady")
		}
		return nil, err
	}
}

// SendAudioChunk sends one binary input-audio chunk. Valid only during an
// AUDIO-mode input phase. The chunk is tagged with the request's input
// stream identifier.
func (c *Client) SendAudioChunk(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.phase != phaseAwaitInput {
		c.mu.Unlock()
		return validationErr("send audio chunk in state %s", c.phase)
	}
	if c.interrupted {
		c.mu.Unlock()
		return validationErr("request has been interrupted")
	}
	streamID := c.requestID
	c.mu.Unlock()

	return c.sendEvent(ctx, &InputMedia{StreamID: streamID, Data: data})
}

// SendText sends the single text input of a TEXT-mode request.
func (c *Client) SendText(ctx context.Context, data string) error {
	c.mu.Lock()
	if c.phase != phaseAwaitInputText {
		c.mu.Unlock()
		return validationErr("send text in state %s", c.phase)
	}
	if c.interrupted {
		c.mu.Unlock()
		return validationErr("request has been interrupted")
	}
	if c.textSent {
		c.mu.Unlock()
		return validationErr("text already sent; only one text input per request")
	}
	c.textSent = true
	c.mu.Unlock()

	return c.sendEvent(ctx, &InputText{Data: data})
}

// EndInput ends the input turn. Valid only when the client is the
// designated InputEnd emitter: TEXT mode, or AUDIO mode with device-side
// silence detection (silence_duration == -1).
func (c *Client) EndInput(ctx context.Context) error {
	c.mu.Lock()
	if !c.phase.inputPhase() {
		c.mu.Unlock()
		return validationErr("end input in state %s", c.phase)
	}
	if c.interrupted {
		c.mu.Unlock()
		return validationErr("request has been interrupted")
	}
	if c.phase == phaseAwaitInput && c.cfg.SilenceDuration != DeviceDetectsSilence {
		c.mu.Unlock()
		return validationErr("server detects silence; client must not end input")
	}
	if c.phase == phaseAwaitInputText && !c.textSent {
		c.mu.Unlock()
		return validationErr("no text sent yet")
	}
	c.inputEnded = true
	c.phase = phaseResponding
	c.mu.Unlock()

	return c.sendEvent(ctx, &InputEnd{})
}

// Interrupt cancels the current request. The server will stop emitting
// output and close the request with OutputEnd; output events of the
// interrupted request that are already in flight are discarded by the
// driver.
func (c *Client) Interrupt(ctx context.Context, typ InterruptType) error {
	c.mu.Lock()
	if !c.phase.inputPhase() && c.phase != phaseResponding {
		c.mu.Unlock()
		return validationErr("interrupt in state %s", c.phase)
	}
	if c.interrupted {
		c.mu.Unlock()
		return validationErr("request has already been interrupted")
	}
	c.interrupted = true
	c.phase = phaseResponding // awaiting the server's closing OutputEnd
	c.mu.Unlock()

	return c.sendEvent(ctx, &Interrupt{InterruptType: typ})
}

// MediaStream returns a stream handle over SendAudioChunk. Closing the
// handle ends the input turn when the client is the designated InputEnd
// emitter, and is a no-op otherwise.
func (c *Client) MediaStream() (*SendStream[[]byte], error) {
	c.mu.Lock()
	if c.phase != phaseAwaitInput {
		c.mu.Unlock()
		return nil, validationErr("media stream in state %s", c.phase)
	}
	streamID := c.requestID
	deviceSilence := c.cfg.SilenceDuration == DeviceDetectsSilence
	c.mu.Unlock()

	return &SendStream[[]byte]{
		contentID: streamID,
		send:      c.SendAudioChunk,
		close: func(ctx context.Context) error {
			if !deviceSilence {
				return nil
			}
			return c.EndInput(ctx)
		},
	}, nil
}

// EndSession ends the session. Idempotent: exactly one SessionEnd frame is
// emitted, and the transport is closed afterwards.
func (c *Client) EndSession(ctx context.Context) error {
	c.mu.Lock()
	if c.sessionEnded || c.phase == phaseTerminated {
		c.mu.Unlock()
		return nil
	}
	c.sessionEnded = true
	c.phase = phaseTerminated
	c.mu.Unlock()

	err := c.sendEvent(ctx, &SessionEnd{})
	closeErr := c.tr.Close()
	c.cancel()
	if err != nil {
		return err
	}
	return closeErr
}

// Close aborts the session without emitting SessionEnd: the reader stops
// and the transport is closed. Use EndSession for an orderly shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	c.phase = phaseTerminated
	c.sessionEnded = true
	c.mu.Unlock()
	c.cancel()
	return c.tr.Close()
}

func (c *Client) sendEvent(ctx context.Context, e Event) error {
	frame, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := sendFrame(ctx, c.tr, frame); err != nil {
		return wrapSendErr(err)
	}
	if c.observer != nil {
		c.observer(true, e)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		frame, err := c.tr.Recv(c.ctx)
		if err != nil {
			c.handleRecvErr(err)
			return
		}

		evt, err := DecodeFrame(frame, ServerToClient)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) && pe.Kind == MalformedEvent && c.lenient {
				c.log.WarnPrintf("skipping malformed frame: %v", err)
				continue
			}
			c.fail(err)
			return
		}

		deliver, err := c.applyInbound(evt)
		if err != nil {
			c.fail(err)
			return
		}
		if deliver {
			if c.observer != nil {
				c.observer(false, evt)
			}
			select {
			case c.events <- eventOrErr{evt: evt}:
			case <-c.ctx.Done():
				return
			}
		}

		if _, ok := evt.(*SessionEnd); ok {
			_ = c.tr.Close()
			return
		}
	}
}

func (c *Client) handleRecvErr(err error) {
	c.mu.Lock()
	ended := c.sessionEnded || c.phase == phaseTerminated
	c.phase = phaseTerminated
	c.mu.Unlock()

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
	c.fail(err)
}

// fail records a terminal error, closes the transport and delivers the
// error to the host if one is still listening.
func (c *Client) fail(err error) {
	c.mu.Lock()
	c.phase = phaseTerminated
	c.termErr = err
	c.mu.Unlock()
	c.log.ErrorPrintf("terminating session: %v", err)
	_ = c.tr.Close()
	select {
	case c.events <- eventOrErr{err: err}:
	case <-c.ctx.Done():
	}
	c.cancel()
}

// applyInbound advances the session state for a decoded server event and
// reports whether it should be delivered to the host. Events of an
// interrupted request are dropped until its closing OutputEnd.
func (c *Client) applyInbound(evt Event) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e := evt.(type) {
	case *ServerReady:
		switch c.phase {
		case phaseConfigured:
			c.chatID = e.ChatID
			c.startRequest(e.RequestID)
			select {
			case c.readyCh <- e:
			default:
			}
			return true, nil
		case phaseReady:
			if e.ChatID != c.chatID {
				return false, protocolErr(IllegalTransition,
					"server_ready changed chat_id from %s to %s", c.chatID, e.ChatID)
			}
			c.startRequest(e.RequestID)
			return true, nil
		default:
			return false, protocolErr(IllegalTransition, "server_ready in state %s", c.phase)
		}

	case *OutputTranscription:
		if c.cfg == nil || c.cfg.InputMode != InputModeAudio {
			return false, protocolErr(IllegalTransition, "transcription in text input mode")
		}
		if c.phase != phaseAwaitInput && c.phase != phaseResponding {
			return false, protocolErr(IllegalTransition, "transcription in state %s", c.phase)
		}
		return !c.interrupted, nil

	case *InputEnd:
		// Server-side silence detection, or an echo of our own InputEnd.
		if c.cfg == nil || c.cfg.InputMode != InputModeAudio {
			return false, protocolErr(IllegalTransition, "input_end from server in text mode")
		}
		switch {
		case c.phase == phaseAwaitInput:
			c.inputEnded = true
			c.phase = phaseResponding
			return true, nil
		case c.phase == phaseResponding && (c.inputEnded || c.interrupted):
			// Duplicate echo, or a server-detected end of input crossing our
			// interrupt. Benign either way.
			return false, nil
		default:
			return false, protocolErr(IllegalTransition, "input_end in state %s", c.phase)
		}

	case *OutputStage:
		if err := c.checkResponding("output_stage"); err != nil {
			return false, err
		}
		if c.interrupted {
			return false, nil
		}
		if err := c.view.addStage(e.ID, e.ParentID); err != nil {
			return false, asProtocolError(err)
		}
		return true, nil

	case *OutputTextContent:
		return c.applyContent(e.ID, ContentTypeText, e.StageID)
	case *OutputFunctionCallContent:
		return c.applyContent(e.ID, ContentTypeFunctionCall, e.StageID)
	case *OutputAudioContent:
		return c.applyContent(e.ID, ContentTypeAudio, e.StageID)
	case *OutputVideoContent:
		return c.applyContent(e.ID, ContentTypeVideo, e.StageID)

	case *OutputContentAddition:
		if err := c.checkResponding("output_content_addition"); err != nil {
			return false, err
		}
		if c.interrupted {
			return false, nil
		}
		if err := c.view.checkAddition(e.ContentID); err != nil {
			return false, asProtocolError(err)
		}
		return true, nil

	case *OutputText:
		if err := c.checkResponding("output_text"); err != nil {
			return false, err
		}
		if c.interrupted {
			return false, nil
		}
		if err := c.view.addText(e.ContentID); err != nil {
			return false, asProtocolError(err)
		}
		return true, nil

	case *OutputFunctionCall:
		if err := c.checkResponding("output_function_call"); err != nil {
			return false, err
		}
		if c.interrupted {
			return false, nil
		}
		if err := c.view.addFunctionCall(e.ContentID); err != nil {
			return false, asProtocolError(err)
		}
		return true, nil

	case *OutputMedia:
		if err := c.checkResponding("output_media"); err != nil {
			return false, err
		}
		if c.interrupted {
			return false, nil
		}
		if err := c.view.addMedia(e.ContentID); err != nil {
			return false, asProtocolError(err)
		}
		return true, nil

	case *OutputEnd:
		if c.phase != phaseResponding {
			return false, protocolErr(IllegalTransition, "output_end in state %s", c.phase)
		}
		c.phase = phaseReady
		c.interrupted = false
		return true, nil

	case *SessionEnd:
		c.phase = phaseTerminated
		c.sessionEnded = true
		return true, nil

	default:
		return false, protocolErr(IllegalTransition,
			"unexpected %s from server", evt.Type())
	}
}

// checkResponding requires the session to be inside a response. Locked by
// the caller.
func (c *Client) checkResponding(what string) error {
	if c.phase != phaseResponding {
		return protocolErr(IllegalTransition, "%s in state %s", what, c.phase)
	}
	return nil
}

func (c *Client) applyContent(id uuid.UUID, ctype ContentType, stageID uuid.UUID) (bool, error) {
	if err := c.checkResponding(fmt.Sprintf("output_%s_content", ctype)); err != nil {
		return false, err
	}
	if c.interrupted {
		return false, nil
	}
	if err := c.view.addContent(id, ctype, stageID); err != nil {
		return false, asProtocolError(err)
	}
	return true, nil
}

// startRequest resets the per-request state. Locked by the caller.
func (c *Client) startRequest(requestID uuid.UUID) {
	c.requestID = requestID
	c.textSent = false
	c.inputEnded = false
	c.interrupted = false
	c.view = newOutputTracker()
	if c.cfg.InputMode == InputModeAudio {
		c.phase = phaseAwaitInput
	} else {
		c.phase = phaseAwaitInputText
	}
}

// wrapSendErr maps raw transport failures into the public taxonomy.
func wrapSendErr(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return transportErr("send", err)
}
