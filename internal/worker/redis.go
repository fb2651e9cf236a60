package worker

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"keepchat/internal/redis"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const redisCancelChannel = "keepchat:worker:cancel"

type cancelMessage struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// cancelBus fans CancelKey out to other instances over redis pub/sub.
// A nil client makes every method a no-op.
type cancelBus struct {
	client *redis.Client
	origin string

	mu     sync.Mutex
	pubsub *goredis.PubSub
}

func newCancelBus(client *redis.Client) *cancelBus {
	return &cancelBus{client: client, origin: uuid.NewString()}
}

func (b *cancelBus) start(handler func(key string)) {
	if b == nil || !b.client.Enabled() || handler == nil {
		return
	}
	pubsub := b.client.Raw().Subscribe(context.Background(), redisCancelChannel)
	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()
	go func() {
		for msg := range pubsub.Channel() {
			var cm cancelMessage
			if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
				log.Printf("worker: cancel message decode failed: %v", err)
				continue
			}
			if cm.Origin == b.origin || cm.Key == "" {
				continue
			}
			handler(cm.Key)
		}
	}()
}

func (b *cancelBus) publish(key string) {
	if b == nil || !b.client.Enabled() || key == "" {
		return
	}
	payload, err := json.Marshal(cancelMessage{Key: key, Origin: b.origin})
	if err != nil {
		log.Printf("worker: cancel message marshal failed: %v", err)
		return
	}
	if err := b.client.Raw().Publish(context.Background(), redisCancelChannel, payload).Err(); err != nil {
		log.Printf("worker: publish cancel failed: %v", err)
	}
}

func (b *cancelBus) close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		b.pubsub.Close()
		b.pubsub = nil
	}
}
