package chatapi

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SendStream is a handle for sending one content's chunks (string fragments
// for TEXT, bytes for AUDIO/VIDEO and client input audio). Legality of each
// chunk is validated by the owning driver, not by the handle.
type SendStream[T any] struct {
	contentID uuid.UUID
	send      func(ctx context.Context, chunk T) error
	close     func(ctx context.Context) error

	mu     sync.Mutex
	closed bool
}

// ContentID returns the id of the content this stream feeds. For client
// input audio it is the request's input stream identifier.
func (s *SendStream[T]) ContentID() uuid.UUID {
	return s.contentID
}

// Send sends one chunk.
func (s *SendStream[T]) Send(ctx context.Context, chunk T) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return validationErr("stream for content %s is closed", s.contentID)
	}
	return s.send(ctx, chunk)
}

// Close ends the stream. Idempotent.
func (s *SendStream[T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}
