// Redis Streams broker: the networked, multi-process production backend.
// Grounded on the go-redis/v9 client construction/Ping pattern used by
// manifold's internal/orchestrator.RedisDedupeStore and
// internal/skills.RedisSkillsCache, extended from simple GET/SET to
// Streams + consumer groups so that, unlike MemoryBroker, several processes
// sharing a SharedSubscribe topic genuinely split the work (each message
// delivered to exactly one consumer in the group) rather than each getting
// a copy.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agencore/router/internal/envelope"
)

const payloadField = "payload"

// RedisConfig configures a RedisBroker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Group names this broker instance's consumer group. Every process
	// sharing Group on the same topic competes for deliveries rather than
	// each receiving a copy.
	Group string

	// Consumer names this process within Group. Defaults to an id built
	// from the current time in nanoseconds if empty.
	Consumer string

	// ReadBlock bounds how long one XREADGROUP call waits for new
	// entries before looping again to check for shutdown. Defaults to 2s.
	ReadBlock time.Duration

	// ClaimIdle is how long a pending entry must sit unacknowledged
	// before another consumer in the group may claim and retry it
	// (recovers work from a crashed consumer). Defaults to 30s.
	ClaimIdle time.Duration
}

// RedisBroker implements Broker over Redis Streams.
type RedisBroker struct {
	cfg    RedisConfig
	client *redis.Client

	mu     sync.Mutex
	cancel map[string][]context.CancelFunc // topic -> running read-loop cancels
	closed bool
}

// NewRedisBroker dials addr and verifies connectivity before returning.
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Group == "" {
		cfg.Group = "agentrouter"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
	defer done()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis broker: ping %s: %w", cfg.Addr, err)
	}

	return &RedisBroker{
		cfg:    cfg,
		client: client,
		cancel: make(map[string][]context.CancelFunc),
	}, nil
}

// Publish appends env to topic's stream.
func (rb *RedisBroker) Publish(ctx context.Context, topic string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("redis broker: publish %s: %w", topic, err)
	}
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis broker: encode envelope: %w", err)
	}
	return rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{payloadField: payload},
	}).Err()
}

// Subscribe ensures topic's consumer group exists and starts a read loop
// that delivers each entry to handler at-least-once, acknowledging only
// after handler returns nil.
func (rb *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler) (Unsubscribe, error) {
	if err := rb.client.XGroupCreateMkStream(ctx, topic, rb.cfg.Group, "$").Err(); err != nil {
		if !errors.Is(err, redis.Nil) && !isBusyGroup(err) {
			return nil, fmt.Errorf("redis broker: create group for %s: %w", topic, err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("redis broker: closed")
	}
	rb.cancel[topic] = append(rb.cancel[topic], cancel)
	rb.mu.Unlock()

	go rb.readLoop(loopCtx, topic, handler)
	go rb.claimLoop(loopCtx, topic, handler)

	return func() { cancel() }, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (rb *RedisBroker) readLoop(ctx context.Context, topic string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := rb.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    rb.cfg.Group,
			Consumer: rb.cfg.Consumer,
			Streams:  []string{topic, ">"},
			Count:    16,
			Block:    rb.cfg.ReadBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			log.Printf("redis broker: read %s: %v", topic, err)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				rb.deliver(ctx, topic, handler, msg)
			}
		}
	}
}

// claimLoop periodically reclaims entries left pending by a consumer that
// died mid-delivery, so at-least-once redelivery still happens when a
// process crashes holding unacknowledged work.
func (rb *RedisBroker) claimLoop(ctx context.Context, topic string, handler Handler) {
	ticker := time.NewTicker(rb.cfg.ClaimIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := rb.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    rb.cfg.Group,
			Consumer: rb.cfg.Consumer,
			MinIdle:  rb.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				log.Printf("redis broker: autoclaim %s: %v", topic, err)
			}
			continue
		}
		for _, msg := range msgs {
			rb.deliver(ctx, topic, handler, msg)
		}
	}
}

func (rb *RedisBroker) deliver(ctx context.Context, topic string, handler Handler, msg redis.XMessage) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		rb.ack(ctx, topic, msg.ID)
		return
	}
	data, ok := raw.(string)
	if !ok {
		rb.ack(ctx, topic, msg.ID)
		return
	}

	var env envelope.Envelope
	if err := msgpack.Unmarshal([]byte(data), &env); err != nil {
		log.Printf("redis broker: decode envelope on %s (entry %s): %v", topic, msg.ID, err)
		rb.ack(ctx, topic, msg.ID)
		return
	}

	if err := handler(ctx, &env); err != nil {
		log.Printf("redis broker: handler error on %s (entry %s): %v", topic, msg.ID, err)
		return // leave unacknowledged; claimLoop or another consumer retries
	}
	rb.ack(ctx, topic, msg.ID)
}

func (rb *RedisBroker) ack(ctx context.Context, topic, id string) {
	if err := rb.client.XAck(ctx, topic, rb.cfg.Group, id).Err(); err != nil {
		log.Printf("redis broker: ack %s/%s: %v", topic, id, err)
	}
}

// Close cancels every read loop and closes the underlying client.
func (rb *RedisBroker) Close() error {
	rb.mu.Lock()
	rb.closed = true
	cancels := rb.cancel
	rb.cancel = nil
	rb.mu.Unlock()

	for _, cs := range cancels {
		for _, c := range cs {
			c()
		}
	}
	return rb.client.Close()
}
