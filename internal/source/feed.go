package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"backend-routetrack/internal/route"
)

// ErrNoSubscriber is returned by Publish when nothing is listening.
var ErrNoSubscriber = errors.New("no active position subscription")

// Feed is an in-process Source. Samples are pushed with Publish, typically by
// the HTTP ingest endpoint of a device that reports its own position.
type Feed struct {
	permission func() error

	mu     sync.Mutex
	active *stream
}

type FeedOption func(*Feed)

// WithPermission installs a check run on every Subscribe. A non-nil result is
// reported as ErrPermission.
func WithPermission(check func() error) FeedOption {
	return func(f *Feed) {
		f.permission = check
	}
}

func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe opens a new stream. A still-active previous stream is canceled.
func (f *Feed) Subscribe(_ context.Context) (Subscription, error) {
	if f.permission != nil {
		if err := f.permission(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPermission, err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != nil {
		f.active.finish(nil)
	}
	f.active = newStream(nil)
	return f.active, nil
}

// Publish hands one raw sample to the active subscription. It blocks while the
// subscriber's buffer is full.
func (f *Feed) Publish(ctx context.Context, p route.LocationPoint) error {
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.active.canceled() {
		return ErrNoSubscriber
	}
	if !f.active.emit(ctx, p) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNoSubscriber
	}
	return nil
}

// Fail terminates the active subscription with a stream error.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil || f.active.canceled() {
		return
	}
	f.active.finish(&StreamError{Err: err})
}

// Active reports whether a subscription is currently open.
func (f *Feed) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active != nil && !f.active.canceled()
}
