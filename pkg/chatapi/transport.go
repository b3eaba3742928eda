package chatapi

import "context"

// FrameKind distinguishes the two frame types of the duplex channel.
type FrameKind int

const (
	// FrameText is a UTF-8 JSON object frame.
	FrameText FrameKind = iota
	// FrameBinary is an opaque bytes frame.
	FrameBinary
)

// Frame is one transport frame. Frame boundaries are preserved by the
// transport.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Transport is the capability the protocol engine requires from the
// underlying channel: a reliable, ordered, bidirectional duplex of text and
// binary frames. Any transport error is terminal for the session; the
// engine performs no retransmission or resumption.
//
// Send operations may block for backpressure; Recv returns io.EOF at a
// clean end-of-stream. Close is idempotent and causes subsequent Recv
// calls to return io.EOF.
type Transport interface {
	// SendText sends a text frame containing a JSON object.
	SendText(ctx context.Context, data []byte) error

	// SendBinary sends a binary frame.
	SendBinary(ctx context.Context, data []byte) error

	// Recv blocks for the next inbound frame.
	Recv(ctx context.Context) (Frame, error)

	// Close releases the transport.
	Close() error
}

// sendFrame routes a frame to the matching transport send operation.
func sendFrame(ctx context.Context, tr Transport, f Frame) error {
	if f.Kind == FrameBinary {
		return tr.SendBinary(ctx, f.Data)
	}
	return tr.SendText(ctx, f.Data)
}
