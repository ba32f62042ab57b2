// Package bus is the message bus between the Stream Processor and the
// Distribution Servers, built on Redis Streams. Each topic is one stream and
// every entry carries a partition key and an opaque payload.
package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	fieldKey  = "key"
	fieldData = "data"
)

type Producer struct {
	redis  *redis.Client
	maxLen int64
}

// NewProducer returns a producer that trims every topic to about maxLen
// entries. Zero keeps topics untrimmed.
func NewProducer(client *redis.Client, maxLen int64) *Producer {
	return &Producer{redis: client, maxLen: maxLen}
}

// Publish appends value to topic under the partition key.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			fieldKey:  key,
			fieldData: string(value),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
