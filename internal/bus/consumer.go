package bus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// StartEarliest delivers the whole retained topic to a new group.
	StartEarliest = "0"
	// StartLatest delivers only entries published after the group is created.
	StartLatest = "$"

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Message is one consumed entry.
type Message struct {
	Topic string
	ID    string
	Key   string
	Value []byte
}

// Handler processes a message. The entry is acknowledged once it returns,
// unless the returned error is retryable for the consumer.
type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Topics []string
	Group  string
	// Name identifies this consumer inside the group; a random one is used
	// when empty.
	Name  string
	Start string
	// Workers is the number of partitions; entries with the same key are
	// always handled by the same worker, in order.
	Workers   int
	BatchSize int64
	Block     time.Duration
	// Retryable reports whether a handler error leaves the entry pending.
	// Such entries are handled again by the same worker until they succeed
	// or the consumer stops; nil retries nothing.
	Retryable func(error) bool
	// RetryBackoff is the first wait before a retry; it doubles up to 30s.
	RetryBackoff time.Duration
}

type Consumer struct {
	redis  *redis.Client
	cfg    ConsumerConfig
	logger *zap.Logger
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}
	if cfg.Start == "" {
		cfg.Start = StartLatest
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Block <= 0 {
		// zero would block forever and never observe cancellation
		cfg.Block = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = minBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{redis: client, cfg: cfg, logger: logger}
}

// EnsureGroups creates the consumer group on every topic, creating missing
// topics too. Existing groups are left untouched.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, topic := range c.cfg.Topics {
		err := c.redis.XGroupCreateMkStream(ctx, topic, c.cfg.Group, c.cfg.Start).Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, topic, err)
		}
	}
	return nil
}

// Run consumes until ctx is cancelled. Entries this consumer left pending in
// an earlier run are handled first. Read failures are retried with
// exponential backoff.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	if len(c.cfg.Topics) == 0 {
		return errors.New("bus: no topics to consume")
	}
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}

	c.logger.Info("Bus consumer started",
		zap.Strings("topics", c.cfg.Topics),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Name),
		zap.Int("workers", c.cfg.Workers),
	)

	partitions := make([]chan Message, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range partitions {
		partitions[i] = make(chan Message, c.cfg.BatchSize)
		wg.Add(1)
		go func(in <-chan Message) {
			defer wg.Done()
			for msg := range in {
				c.handle(ctx, h, msg)
			}
		}(partitions[i])
	}
	defer func() {
		for _, ch := range partitions {
			close(ch)
		}
		wg.Wait()
	}()

	dispatch := func(msg Message) bool {
		select {
		case partitions[partition(msg.Key, len(partitions))] <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		err := c.replayPending(ctx, dispatch)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("Failed to read pending bus entries", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(minBackoff):
		}
	}

	streams := make([]string, 0, 2*len(c.cfg.Topics))
	streams = append(streams, c.cfg.Topics...)
	for range c.cfg.Topics {
		streams = append(streams, ">")
	}

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  streams,
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to read from bus",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff

		for _, stream := range res {
			for _, entry := range stream.Messages {
				if !dispatch(toMessage(stream.Stream, entry)) {
					return nil
				}
			}
		}
	}
}

// replayPending dispatches the entries delivered to this consumer name but
// never acknowledged, oldest first.
func (c *Consumer) replayPending(ctx context.Context, dispatch func(Message) bool) error {
	after := make(map[string]string, len(c.cfg.Topics))
	for _, topic := range c.cfg.Topics {
		after[topic] = "0"
	}

	total := 0
	for {
		streams := make([]string, 0, 2*len(c.cfg.Topics))
		streams = append(streams, c.cfg.Topics...)
		for _, topic := range c.cfg.Topics {
			streams = append(streams, after[topic])
		}

		res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  streams,
			Count:    c.cfg.BatchSize,
			Block:    -1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		n := 0
		for _, stream := range res {
			for _, entry := range stream.Messages {
				after[stream.Stream] = entry.ID
				n++
				if !dispatch(toMessage(stream.Stream, entry)) {
					return nil
				}
			}
		}
		if n == 0 {
			break
		}
		total += n
	}

	if total > 0 {
		c.logger.Info("Replaying pending bus entries",
			zap.String("group", c.cfg.Group),
			zap.String("consumer", c.cfg.Name),
			zap.Int("entries", total),
		)
	}
	return nil
}

// handle runs h until it succeeds or fails for good, then acknowledges the
// entry. Retrying in place keeps later entries of the same key waiting. An
// entry still failing when ctx ends stays pending for the next run.
func (c *Consumer) handle(ctx context.Context, h Handler, msg Message) {
	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := h(ctx, msg)
		if err == nil {
			break
		}
		if c.cfg.Retryable == nil || !c.cfg.Retryable(err) {
			c.logger.Warn("Failed to handle bus message",
				zap.String("topic", msg.Topic),
				zap.String("message_id", msg.ID),
				zap.String("key", msg.Key),
				zap.Error(err),
			)
			break
		}
		c.logger.Warn("Retrying bus message",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.String("key", msg.Key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	if err := c.redis.XAck(context.WithoutCancel(ctx), msg.Topic, c.cfg.Group, msg.ID).Err(); err != nil {
		c.logger.Warn("Failed to ack bus message",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func toMessage(topic string, entry redis.XMessage) Message {
	msg := Message{Topic: topic, ID: entry.ID}
	if v, ok := entry.Values[fieldKey].(string); ok {
		msg.Key = v
	}
	if v, ok := entry.Values[fieldData].(string); ok {
		msg.Value = []byte(v)
	}
	return msg
}

func partition(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
