// Package source adapts live position providers to a cancelable stream of raw
// samples. Sources do not filter: distance gating belongs to the tracking
// pipeline.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"backend-routetrack/internal/route"
)

// ErrPermission reports that the provider refused access to location data.
var ErrPermission = errors.New("location permission denied")

// StreamError is the terminal error of a subscription whose provider failed
// mid-stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("position stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Source produces raw position samples. Only one subscription per Source may
// be outstanding; exclusivity across callers is the caller's job.
type Source interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is a live stream of raw samples. Samples is closed when the
// stream ends; Err then reports why (nil after Cancel). Cancel is idempotent;
// once it returns the provider sends nothing more, though samples already
// buffered may still be received and are the consumer's to discard.
type Subscription interface {
	Samples() <-chan route.LocationPoint
	Err() error
	Cancel()
}

const sampleBuffer = 64

// stream is the Subscription shared by the sources in this package. The
// producing goroutine calls emit and finish; release frees provider resources
// and runs once, on Cancel or finish, whichever comes first.
type stream struct {
	samples chan route.LocationPoint
	done    chan struct{}
	release func()

	mu       sync.Mutex
	err      error
	finished bool
	once     sync.Once
}

func newStream(release func()) *stream {
	if release == nil {
		release = func() {}
	}
	return &stream{
		samples: make(chan route.LocationPoint, sampleBuffer),
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *stream) Samples() <-chan route.LocationPoint {
	return s.samples
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.release()
	})
}

func (s *stream) canceled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit delivers p unless the stream was canceled first. It blocks while the
// consumer is behind.
func (s *stream) emit(ctx context.Context, p route.LocationPoint) bool {
	select {
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.samples <- p:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// finish closes the stream with err. An error after Cancel is dropped since
// tearing down the provider commonly makes its reader fail.
func (s *stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	if err != nil && !s.canceled() {
		s.err = err
	}
	s.mu.Unlock()
	close(s.samples)
	s.Cancel()
}
