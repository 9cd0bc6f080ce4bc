package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const clientBuffer = 64

// Hub fans payloads out to WebSocket clients grouped by topic. With a Redis
// client it also relays them to the hubs of other instances.
type Hub struct {
	redis    *redis.Client
	instance string
	log      *zap.Logger
	clients  map[string]map[*Client]struct{}
	mu       sync.RWMutex

	pubsub *redis.PubSub
	done   chan struct{}
}

type Client struct {
	Topic string
	Send  chan []byte
}

// envelope tags relayed payloads with the publishing instance so a hub can
// skip its own messages.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewHub(redisClient *redis.Client, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		redis:    redisClient,
		instance: uuid.NewString(),
		log:      log.Named("stream"),
		clients:  map[string]map[*Client]struct{}{},
		done:     make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}
	h.pubsub = redisClient.PSubscribe(context.Background(), redisPattern)
	go h.subscribeRedis()
	return h
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topicClients, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := topicClients[client]; !ok {
		return
	}
	delete(topicClients, client)
	if len(topicClients) == 0 {
		delete(h.clients, client.Topic)
	}
	close(client.Send)
}

// Clients returns the number of local clients on topic.
func (h *Hub) Clients(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Broadcast delivers payload to local clients of topic and relays it to other
// instances. Clients that are behind miss the payload.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.deliver(topic, payload)

	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(envelope{Origin: h.instance, Payload: payload})
	if err != nil {
		h.log.Error("encode relay message", zap.Error(err))
		return
	}
	if err := h.redis.Publish(context.Background(), redisChannel(topic), msg).Err(); err != nil {
		h.log.Warn("redis publish error", zap.String("topic", topic), zap.Error(err))
	}
}

// Close stops relaying from Redis. Local delivery keeps working.
func (h *Hub) Close() error {
	if h.pubsub == nil {
		return nil
	}
	err := h.pubsub.Close()
	<-h.done
	return err
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[topic] {
		select {
		case client.Send <- payload:
		default:
			h.log.Debug("client behind, payload dropped", zap.String("topic", topic))
		}
	}
}

func (h *Hub) subscribeRedis() {
	defer close(h.done)
	for msg := range h.pubsub.Channel() {
		topic := topicFromChannel(msg.Channel)
		if topic == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.log.Warn("malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if env.Origin == h.instance {
			continue
		}
		h.deliver(topic, env.Payload)
	}
}

const (
	channelPrefix = "routetrack:"
	channelSuffix = ":broadcast"
	redisPattern  = channelPrefix + "*" + channelSuffix
)

func redisChannel(topic string) string {
	return channelPrefix + topic + channelSuffix
}

func topicFromChannel(ch string) string {
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
