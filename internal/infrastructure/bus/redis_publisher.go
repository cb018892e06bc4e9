package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"SubscriptionScanner/internal/config"
	"SubscriptionScanner/internal/ports"
)

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// EventField is the stream entry field carrying the JSON-encoded event.
const EventField = "event"

const connectionTimeout = 5 * time.Second

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// RedisPublisher appends events to Redis streams, one stream per topic.
type RedisPublisher struct {
	client redis.Cmdable
	maxLen int64
}

var _ ports.Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher publishes through client. Streams are trimmed to roughly
// maxLen entries; zero disables trimming.
func NewRedisPublisher(client redis.Cmdable, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, maxLen: maxLen}
}

// Publish XADDs the JSON-encoded event to the topic stream and returns the
// entry ID assigned by Redis.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, event any) (string, error) {
	if topic == "" {
		return "", errors.New("publish: empty topic")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{EventField: string(payload)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}
