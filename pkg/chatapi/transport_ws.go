package chatapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketTransport adapts a gorilla/websocket connection to the Transport
// interface. WebSocket text messages map to text frames and binary messages
// to binary frames; other message types (pings, pongs) are handled by the
// library and never surface here.
type WebSocketTransport struct {
	conn *websocket.Conn

	// gorilla connections support one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketTransport wraps an established connection. The caller remains
// responsible for the HTTP side of the handshake.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// DialWebSocket connects to a WebSocket endpoint and returns a transport
// over the new connection.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, transportErr("dial", fmt.Errorf("%s: http %d: %w", url, resp.StatusCode, err))
		}
		return nil, transportErr("dial", fmt.Errorf("%s: %w", url, err))
	}
	return NewWebSocketTransport(conn), nil
}

// UpgradeWebSocket upgrades an inbound HTTP request and returns a transport
// over the accepted connection.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocketTransport, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, transportErr("upgrade", err)
	}
	return NewWebSocketTransport(conn), nil
}

// SendText sends a WebSocket text message.
func (t *WebSocketTransport) SendText(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.TextMessage, data)
}

// SendBinary sends a WebSocket binary message.
func (t *WebSocketTransport) SendBinary(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.BinaryMessage, data)
}

func (t *WebSocketTransport) write(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		return transportErr("send", err)
	}
	return nil
}

// Recv blocks for the next text or binary message. A normal close from the
// peer is reported as io.EOF; abnormal closes surface as TransportError.
func (t *WebSocketTransport) Recv(ctx context.Context) (Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, io.EOF
			}
			return Frame{}, transportErr("recv", err)
		}
		switch messageType {
		case websocket.TextMessage:
			return Frame{Kind: FrameText, Data: data}, nil
		case websocket.BinaryMessage:
			return Frame{Kind: FrameBinary, Data: data}, nil
		default:
			// Control frames are consumed by gorilla; anything else is
			// skipped.
			continue
		}
	}
}

// Close sends a close frame and releases the connection. Idempotent.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

var _ Transport = (*WebSocketTransport)(nil)
