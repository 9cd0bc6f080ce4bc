package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-routetrack/internal/route"
)

var errSource = errors.New("gps lost")

func receive(t *testing.T, sub Subscription) route.LocationPoint {
	t.Helper()
	select {
	case p, ok := <-sub.Samples():
		if !ok {
			t.Fatalf("stream closed unexpectedly: %v", sub.Err())
		}
		return p
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for sample")
	}
	return route.LocationPoint{}
}

func TestFeedPublishDelivers(t *testing.T) {
	feed := NewFeed()
	sub, err := feed.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if err := feed.Publish(context.Background(), route.LocationPoint{Latitude: 1, Longitude: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	p := receive(t, sub)
	if p.Latitude != 1 || p.Longitude != 2 {
		t.Fatalf("unexpected sample %+v", p)
	}
	if p.Timestamp == 0 {
		t.Fatalf("expected timestamp stamped on publish")
	}
}

func TestFeedPublishWithoutSubscriber(t *testing.T) {
	feed := NewFeed()
	if err := feed.Publish(context.Background(), route.LocationPoint{}); !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("expected no subscriber, got %v", err)
	}
}

func TestFeedCancelIsIdempotent(t *testing.T) {
	feed := NewFeed()
	sub, _ := feed.Subscribe(context.Background())
	sub.Cancel()
	sub.Cancel()

	if feed.Active() {
		t.Fatalf("expected feed inactive after cancel")
	}
	if err := feed.Publish(context.Background(), route.LocationPoint{}); !errors.Is(err, ErrNoSubscriber) {
		t.Fatalf("expected publish after cancel to fail, got %v", err)
	}
	if sub.Err() != nil {
		t.Fatalf("cancel must not record an error")
	}
}

func TestFeedFailEndsStream(t *testing.T) {
	feed := NewFeed()
	sub, _ := feed.Subscribe(context.Background())

	feed.Fail(errSource)
	select {
	case _, ok := <-sub.Samples():
		if ok {
			t.Fatalf("expected closed stream")
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for close")
	}

	var streamErr *StreamError
	if !errors.As(sub.Err(), &streamErr) || !errors.Is(sub.Err(), errSource) {
		t.Fatalf("expected stream error wrapping cause, got %v", sub.Err())
	}
}

func TestFeedResubscribeReplacesPrevious(t *testing.T) {
	feed := NewFeed()
	first, _ := feed.Subscribe(context.Background())
	second, _ := feed.Subscribe(context.Background())
	defer second.Cancel()

	if _, ok := <-first.Samples(); ok {
		t.Fatalf("expected first stream closed")
	}
	if first.Err() != nil {
		t.Fatalf("replaced stream should end cleanly")
	}
	if err := feed.Publish(context.Background(), route.LocationPoint{Latitude: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if p := receive(t, second); p.Latitude != 3 {
		t.Fatalf("unexpected sample %+v", p)
	}
}

func TestFeedPermissionDenied(t *testing.T) {
	feed := NewFeed(WithPermission(func() error { return errors.New("not granted") }))
	_, err := feed.Subscribe(context.Background())
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestFeedPublishHonoursContext(t *testing.T) {
	feed := NewFeed()
	sub, _ := feed.Subscribe(context.Background())
	defer sub.Cancel()

	for i := 0; i < sampleBuffer; i++ {
		if err := feed.Publish(context.Background(), route.LocationPoint{Timestamp: int64(i + 1)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := feed.Publish(ctx, route.LocationPoint{Timestamp: 999}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
