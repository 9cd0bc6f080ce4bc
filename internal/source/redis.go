package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend-routetrack/internal/route"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSource reads samples that a device gateway publishes on a Redis
// pub/sub channel as JSON objects.
type RedisSource struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

type redisSample struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
}

func NewRedisSource(client *redis.Client, channel string, log *zap.Logger) *RedisSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisSource{client: client, channel: channel, log: log.Named("redis_source")}
}

func (s *RedisSource) Subscribe(ctx context.Context) (Subscription, error) {
	if s.client == nil {
		return nil, errors.New("redis source: no client configured")
	}
	pubsub := s.client.Subscribe(ctx, s.channel)
	// Wait for the subscription confirmation so connection problems surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	st := newStream(func() { _ = pubsub.Close() })
	go s.pump(ctx, st, pubsub.Channel())
	return st, nil
}

func (s *RedisSource) pump(ctx context.Context, st *stream, msgs <-chan *redis.Message) {
	for {
		select {
		case <-st.done:
			st.finish(nil)
			return
		case <-ctx.Done():
			st.finish(&StreamError{Err: ctx.Err()})
			return
		case msg, ok := <-msgs:
			if !ok {
				st.finish(&StreamError{Err: errors.New("redis channel closed")})
				return
			}
			p, err := decodeRedisSample(msg.Payload)
			if err != nil {
				s.log.Warn("dropping malformed sample", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !st.emit(ctx, p) {
				st.finish(nil)
				return
			}
		}
	}
}

func decodeRedisSample(payload string) (route.LocationPoint, error) {
	var raw redisSample
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return route.LocationPoint{}, err
	}
	if raw.Latitude == nil || raw.Longitude == nil {
		return route.LocationPoint{}, errors.New("latitude and longitude required")
	}
	if *raw.Latitude < -90 || *raw.Latitude > 90 || *raw.Longitude < -180 || *raw.Longitude > 180 {
		return route.LocationPoint{}, errors.New("coordinate out of range")
	}
	p := route.LocationPoint{Latitude: *raw.Latitude, Longitude: *raw.Longitude, Timestamp: raw.Timestamp}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	return p, nil
}
