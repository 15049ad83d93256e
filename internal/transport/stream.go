package transport

import (
	"context"
	"io"
	"sync"
)

// Stream delivers the inbound frames of one link to a single consumer. The queue is unbounded;
// the session rate limit keeps it from growing under a flood.
type Stream struct {
	mu     sync.Mutex
	queue  []Frame
	notify chan struct{}
	done   bool
	err    error
}

func newStream() *Stream {
	return &Stream{notify: make(chan struct{}, 1)}
}

// Next blocks until a frame is available, the stream ends or ctx is done.
// It returns io.EOF after an intentional close and an ErrTransport-wrapped error after abnormal loss.
func (s *Stream) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = Frame{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.notify:
		}
	}
}

func (s *Stream) push(f Frame) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
