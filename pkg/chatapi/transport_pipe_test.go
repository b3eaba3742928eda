package chatapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestPipeOrder(t *testing.T) {
	ctx := context.Background()
	client, server := NewPipe()

	for i := 0; i < 10; i++ {
		var err error
		if i%2 == 0 {
			err = client.SendText(ctx, []byte{byte(i)})
		} else {
			err = client.SendBinary(ctx, []byte{byte(i)})
		}
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < 10; i++ {
		f, err := server.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if f.Data[0] != byte(i) {
			t.Fatalf("frame %d carried %d, order broken", i, f.Data[0])
		}
		wantKind := FrameText
		if i%2 == 1 {
			wantKind = FrameBinary
		}
		if f.Kind != wantKind {
			t.Errorf("frame %d kind = %v, want %v", i, f.Kind, wantKind)
		}
	}
}

func TestPipeCleanClose(t *testing.T) {
	ctx := context.Background()
	client, server := NewPipe()

	if err := client.SendText(ctx, []byte("last")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// Buffered frames drain before EOF.
	f, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(f.Data) != "last" {
		t.Errorf("data = %q, want %q", f.Data, "last")
	}
	if _, err := server.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("recv after close: got %v, want io.EOF", err)
	}

	if err := client.SendText(ctx, []byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("send after close: got %v, want io.ErrClosedPipe", err)
	}
	if err := server.SendText(ctx, []byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("send to closed peer: got %v, want io.ErrClosedPipe", err)
	}
}

func TestPipeCloseWithError(t *testing.T) {
	ctx := context.Background()
	client, server := NewPipe()

	boom := fmt.Errorf("underlying link lost")
	if err := client.CloseWithError(boom); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := server.Recv(ctx); !errors.Is(err, boom) {
		t.Errorf("recv: got %v, want %v", err, boom)
	}
}

func TestPipeSendCloseRace(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		client, _ := NewPipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if err := client.SendText(ctx, []byte("x")); err != nil {
					if !errors.Is(err, io.ErrClosedPipe) {
						t.Errorf("send: %v", err)
					}
					return
				}
			}
		}()
		// Closing while a send is in flight must fail that send cleanly
		// rather than crash.
		if err := client.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		<-done
	}
}

func TestPipeRecvContext(t *testing.T) {
	client, _ := NewPipe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("recv: got %v, want deadline exceeded", err)
	}
}
