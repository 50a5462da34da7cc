package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// PubSub is the ephemeral Redis pub/sub backend. Messages published
// while this instance is offline are lost; there is no redelivery.
type PubSub struct {
	channel string
	sub     *redis.Client
	pub     *redis.Client

	mu     sync.Mutex
	closed bool
}

// NewPubSub connects the pub/sub backend. Subscribe and publish use
// separate connections.
func NewPubSub(cfg Config) (*PubSub, error) {
	if cfg.Channel == "" {
		return nil, fmt.Errorf("bus: pubsub channel not configured")
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
	return &PubSub{channel: cfg.Channel, sub: sub, pub: pub}, nil
}

// Consume subscribes and delivers payloads until ctx ends. go-redis
// reconnects the subscription internally, so a dropped connection
// pauses delivery instead of ending the loop.
func (p *PubSub) Consume(ctx context.Context, handler Handler) error {
	if p.isClosed() {
		return ErrClosed
	}

	pubsub := p.sub.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	// Force the initial SUBSCRIBE so config errors surface here.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", p.channel, err)
	}
	log.Printf("[Bus] ✅ Subscribed to channel %s", p.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// Publish sends a payload to the channel.
func (p *PubSub) Publish(ctx context.Context, payload []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.pub.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", p.channel, err)
	}
	return nil
}

// Close shuts down both connections.
func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.sub.Close()
	p.pub.Close()
	return nil
}

func (p *PubSub) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
