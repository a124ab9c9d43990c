package live

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "qrattend:window:"

// RedisBus implements Bus with Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates a Redis pub/sub bridge for window events.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, logger: logger}
}

// Publish sends payload on the window's channel.
func (r *RedisBus) Publish(ctx context.Context, token string, payload []byte) error {
	return r.client.Publish(ctx, channelPrefix+token, payload).Err()
}

// Subscribe calls handler for each message on the window's channel until the
// returned cancel is called.
func (r *RedisBus) Subscribe(token string, handler func(payload []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+token)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return cancel, nil
}
