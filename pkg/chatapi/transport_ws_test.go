package chatapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// wsPair dials a loopback HTTP test server and returns both ends of the
// upgraded connection.
func wsPair(t *testing.T) (client, server *WebSocketTransport) {
	t.Helper()
	accepted := make(chan *WebSocketTransport, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := UpgradeWebSocket(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- tr
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return cli, <-accepted
}

func TestWebSocketLoopback(t *testing.T) {
	cli, srv := wsPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.SendText(ctx, []byte(`{"event_type":17}`)); err != nil {
		t.Fatalf("send text: %v", err)
	}
	f, err := srv.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Kind != FrameText || string(f.Data) != `{"event_type":17}` {
		t.Errorf("text frame = kind %v data %q", f.Kind, f.Data)
	}

	payload := []byte{0x00, 0x01, 0x02, 0xff}
	if err := srv.SendBinary(ctx, payload); err != nil {
		t.Fatalf("send binary: %v", err)
	}
	f, err = cli.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Kind != FrameBinary || !bytes.Equal(f.Data, payload) {
		t.Errorf("binary frame = kind %v data %v", f.Kind, f.Data)
	}

	_ = cli.Close()
	_ = srv.Close()
}

func TestWebSocketCleanClose(t *testing.T) {
	cli, srv := wsPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := srv.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("recv after peer close: got %v, want io.EOF", err)
	}
	_ = srv.Close()
}

func TestWebSocketDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := DialWebSocket(ctx, "ws://127.0.0.1:1/chat", nil)
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Errorf("got %v, want dial TransportError", err)
	}
}
