// Package aistream models a streaming assistant response as a bounded
// channel of content chunks with explicit terminal markers. Consumers cancel
// via context; producers observe the cancellation and stop promptly.
package aistream

import (
	"context"
	"errors"
	"strings"
)

// ErrTruncated is returned when a stream ends without a terminal marker.
var ErrTruncated = errors.New("stream ended without completion marker")

// Chunk is one increment of streamed content. Exactly one terminal chunk
// (Done or Err set) ends a well-formed stream.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// Stream is a bounded channel of chunks plus the producer's cancel hook.
type Stream struct {
	ch     chan Chunk
	cancel context.CancelFunc
}

// New creates a stream with the given buffer size and returns the producer
// context derived from ctx. Closing the consumer side (via cancel) is
// observable by the producer through the returned context.
func New(ctx context.Context, buffer int) (*Stream, context.Context) {
	if buffer < 1 {
		buffer = 16
	}
	prodCtx, cancel := context.WithCancel(ctx)
	return &Stream{ch: make(chan Chunk, buffer), cancel: cancel}, prodCtx
}

// Send delivers a chunk, giving up when the producer context is cancelled.
func (s *Stream) Send(ctx context.Context, c Chunk) error {
	select {
	case s.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the producer side. Call after the terminal chunk.
func (s *Stream) Close() {
	close(s.ch)
}

// Cancel stops the producer from the consumer side.
func (s *Stream) Cancel() {
	s.cancel()
}

// Chunks exposes the receive side for range consumption.
func (s *Stream) Chunks() <-chan Chunk {
	return s.ch
}

// Collect assembles the full content, honoring ctx cancellation. It returns
// the producer's error if the stream terminated with one, and ErrTruncated
// if the channel closed without a terminal marker.
func Collect(ctx context.Context, s *Stream) (string, error) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			s.Cancel()
			return b.String(), ctx.Err()
		case c, ok := <-s.ch:
			if !ok {
				return b.String(), ErrTruncated
			}
			if c.Err != nil {
				return b.String(), c.Err
			}
			b.WriteString(c.Content)
			if c.Done {
				return b.String(), nil
			}
		}
	}
}
