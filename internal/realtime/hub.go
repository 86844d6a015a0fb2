// Package realtime fans notifications out to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

// Message is one event pushed to a user's stream.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hub publishes messages to a user and lets handlers subscribe to them.
type Hub interface {
	Publish(ctx context.Context, userID uuid.UUID, msg Message) error
	// Subscribe returns a channel of messages for userID. The channel is
	// closed when ctx is done or the returned cancel func is called.
	Subscribe(ctx context.Context, userID uuid.UUID) (<-chan Message, func(), error)
}

const subscriberBuffer = 16

// Channel returns the pub/sub channel name for a user.
func Channel(userID uuid.UUID) string {
	return "notifications:" + userID.String()
}

// MemoryHub is a single-process Hub.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Message]struct{}
}

// NewMemoryHub creates an in-memory hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uuid.UUID]map[chan Message]struct{})}
}

// Publish delivers msg to every current subscriber of userID. Slow
// subscribers drop messages rather than block the publisher.
func (h *MemoryHub) Publish(_ context.Context, userID uuid.UUID, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		select {
		case ch <- msg:
		default:
			utils.Warn("realtime subscriber full, message dropped", "user_id", userID)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan Message, func(), error) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Message]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for userID.
func (h *MemoryHub) Subscribers(userID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// RedisHub shares messages across instances through Redis pub/sub.
type RedisHub struct {
	client *redis.Client
}

// NewRedisHub creates a hub on the given client.
func NewRedisHub(client *redis.Client) *RedisHub {
	return &RedisHub{client: client}
}

func (h *RedisHub) Publish(ctx context.Context, userID uuid.UUID, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, Channel(userID), payload).Err()
}

func (h *RedisHub) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan Message, func(), error) {
	pubsub := h.client.Subscribe(ctx, Channel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	ctx, stop := context.WithCancel(ctx)
	out := make(chan Message, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					utils.Warn("realtime message decode failed", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				default:
					utils.Warn("realtime subscriber full, message dropped", "user_id", userID)
				}
			}
		}
	}()
	return out, stop, nil
}
