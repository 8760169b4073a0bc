package publisher

import (
	"context"
	"encoding/base64"

	"github.com/redis/go-redis/v9"
)

// MessageField is the stream entry field holding the base64 encoded event
const MessageField = "b64_price_change"

// RedisPublisher implements Publisher using Redis streams
type RedisPublisher struct {
	client          *redis.Client
	streamPrefix    string
	streamMaxLength int
}

// NewRedisPublisher creates a new Redis publisher
func NewRedisPublisher(addr string, db int, streamPrefix string, streamMaxLength int) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	return &RedisPublisher{
		client:          client,
		streamPrefix:    streamPrefix,
		streamMaxLength: streamMaxLength,
	}
}

// StreamName returns the stream a supermarket's events are written to
func (p *RedisPublisher) StreamName(supermarket string) string {
	return p.streamPrefix + ":" + supermarket
}

// Publish publishes a message to a Redis stream
// The message is base64 encoded before publishing
func (p *RedisPublisher) Publish(ctx context.Context, supermarket string, message []byte) error {
	encodedMessage := base64.StdEncoding.EncodeToString(message)

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.StreamName(supermarket),
		Values: map[string]interface{}{
			MessageField: encodedMessage,
		},
	}).Err()
}

// TrimStreams trims all streams to the configured maximum length
func (p *RedisPublisher) TrimStreams(ctx context.Context) error {
	pattern := p.streamPrefix + ":*"
	iter := p.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := p.client.XTrimMaxLen(ctx, iter.Val(), int64(p.streamMaxLength)).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Ping checks the connection
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
