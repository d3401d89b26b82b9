package types

import (
	"context"
	"io"
	"sync"
	"time"
)

// SliceStream replays a fixed list of deltas. It backs the console demo model and tests.
type SliceStream struct {
	mu     sync.Mutex
	deltas []string
	err    error
	pace   time.Duration
	closed bool
}

// FromSlice returns a stream that yields deltas in order and then io.EOF.
func FromSlice(deltas ...string) *SliceStream {
	return &SliceStream{deltas: append([]string(nil), deltas...)}
}

// FailAfter makes the stream return err instead of io.EOF once the deltas are exhausted.
func (s *SliceStream) FailAfter(err error) *SliceStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Paced delays every delta by d, so a replay looks like a live model.
func (s *SliceStream) Paced(d time.Duration) *SliceStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pace = d
	return s
}

func (s *SliceStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	pace := s.pace
	s.mu.Unlock()
	if pace > 0 {
		timer := time.NewTimer(pace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", io.EOF
	}
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}

	delta := s.deltas[0]
	s.deltas = s.deltas[1:]
	return delta, nil
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Collect drains a stream into one string. Intended for tests and non-streaming callers.
func Collect(ctx context.Context, stream DeltaStream) (string, error) {
	defer stream.Close()

	var out []byte
	for {
		delta, err := stream.Next(ctx)
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, delta...)
	}
}
