package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// payloadField is the stream entry field carrying the wire envelope.
const payloadField = "payload"

// streamMaxLen bounds the stream with approximate trimming on XADD.
const streamMaxLen = 1000

// Stream is the durable Redis Streams backend. Delivery is
// at-least-once: entries are acknowledged after handling, and a
// dropped group is recreated as part of consume housekeeping.
type Stream struct {
	stream   string
	group    string
	consumer string
	sub      *redis.Client
	pub      *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewStream connects the stream backend and ensures the consumer
// group exists.
func NewStream(cfg Config) (*Stream, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("bus: stream key not configured")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("bus: stream group not configured")
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "relay"
	}

	sub, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	pub, err := newRedisClient(cfg)
	if err != nil {
		sub.Close()
		return nil, err
	}

	s := &Stream{stream: cfg.Stream, group: cfg.Group, consumer: consumer, sub: sub, pub: pub}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ensureGroup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// ensureGroup creates the consumer group if it does not exist.
// New groups start at "$": only messages after group creation matter.
func (s *Stream) ensureGroup(ctx context.Context) error {
	err := s.sub.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", s.group, s.stream, err)
	}
	return nil
}

// Consume reads the group with a bounded block timeout so periodic
// housekeeping (group recreation after a Redis flush) still runs.
func (s *Stream) Consume(ctx context.Context, handler Handler) error {
	if s.isClosed() {
		return ErrClosed
	}
	log.Printf("[Bus] ✅ Consuming stream %s (group=%s, consumer=%s)", s.stream, s.group, s.consumer)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := s.sub.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				attempt = 0
				continue // block timeout, nothing new
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				log.Printf("[Bus] group %s missing, recreating", s.group)
				if gerr := s.ensureGroup(ctx); gerr != nil {
					log.Printf("[Bus] recreate group failed: %v", gerr)
				}
				continue
			}
			log.Printf("[Bus] ⚠️ read error: %v (retrying in %v)", err, RetryBackoff(attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RetryBackoff(attempt)):
			}
			attempt++
			continue
		}
		attempt = 0

		for _, stream := range res {
			for _, msg := range stream.Messages {
				if payload, ok := msg.Values[payloadField].(string); ok {
					handler(ctx, []byte(payload))
				} else {
					log.Printf("[Bus] dropping entry %s without %s field", msg.ID, payloadField)
				}
				if err := s.sub.XAck(ctx, s.stream, s.group, msg.ID).Err(); err != nil {
					log.Printf("[Bus] ack %s failed: %v", msg.ID, err)
				}
			}
		}
	}
}

// Publish appends a payload entry, trimming the stream approximately.
func (s *Stream) Publish(ctx context.Context, payload []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.pub.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close shuts down both connections.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.sub.Close()
	s.pub.Close()
	return nil
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
