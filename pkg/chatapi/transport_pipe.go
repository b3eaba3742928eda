package chatapi

import (
	"context"
	"io"
	"sync"
)

// NewPipe creates a connected pair of transports backed by channels. Frames
// sent on one side arrive on the other in order. This is useful for testing
// and in-process communication.
func NewPipe() (client, server *PipeTransport) {
	c2s := make(chan Frame, 256)
	s2c := make(chan Frame, 256)

	// Shared error state for cross-side error propagation
	shared := &pipeSharedState{}

	client = &PipeTransport{out: c2s, in: s2c, shared: shared, isClient: true, done: make(chan struct{})}
	server = &PipeTransport{out: s2c, in: c2s, shared: shared, done: make(chan struct{})}
	client.peer = server
	server.peer = client
	return client, server
}

// pipeSharedState holds error state shared between the two pipe sides.
type pipeSharedState struct {
	mu        sync.Mutex
	clientErr error // set by the client side, read by the server side
	serverErr error // set by the server side, read by the client side
}

// PipeTransport is one side of an in-memory frame pipe.
type PipeTransport struct {
	out      chan Frame
	in       chan Frame
	shared   *pipeSharedState
	peer     *PipeTransport
	isClient bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// SendText sends a text frame to the peer.
func (p *PipeTransport) SendText(ctx context.Context, data []byte) error {
	return p.send(ctx, Frame{Kind: FrameText, Data: data})
}

// SendBinary sends a binary frame to the peer.
func (p *PipeTransport) SendBinary(ctx context.Context, data []byte) error {
	return p.send(ctx, Frame{Kind: FrameBinary, Data: data})
}

func (p *PipeTransport) send(ctx context.Context, f Frame) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.peer.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	case <-p.peer.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next frame from the peer. After either side closes,
// any buffered frames are drained first, then the peer's close error (or
// io.EOF for a clean close) is returned.
func (p *PipeTransport) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return p.recvDrained()
	case <-p.peer.done:
		return p.recvDrained()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// recvDrained runs once a close was observed: frames already buffered still
// win over the close signal.
func (p *PipeTransport) recvDrained() (Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	if err := p.peerErr(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// Close closes this side cleanly. Idempotent.
func (p *PipeTransport) Close() error {
	return p.CloseWithError(nil)
}

// CloseWithError closes this side and records err for the peer to observe
// after it drains the remaining frames.
func (p *PipeTransport) CloseWithError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.shared.mu.Lock()
	if p.isClient {
		p.shared.clientErr = err
	} else {
		p.shared.serverErr = err
	}
	p.shared.mu.Unlock()

	// Signal through done instead of closing out: frame channels are never
	// closed, so a send racing this close cannot panic.
	close(p.done)
	return nil
}

// peerErr returns the error recorded by the peer when it closed.
func (p *PipeTransport) peerErr() error {
	p.shared.mu.Lock()
	defer p.shared.mu.Unlock()
	if p.isClient {
		return p.shared.serverErr
	}
	return p.shared.clientErr
}

var _ Transport = (*PipeTransport)(nil)
