// Package bus provides the shared relay bus transport.
//
// Two interchangeable Redis backends implement the Client interface:
// ephemeral pub/sub (no redelivery) and a durable consumer-group
// stream (at-least-once, explicit ack). The relay core must stay
// correct under either delivery model.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned when operating on a closed bus client.
var ErrClosed = errors.New("bus closed")

// Handler processes one raw wire payload from the bus.
type Handler func(ctx context.Context, payload []byte)

// Client is the pluggable bus transport: consume-or-subscribe plus
// publish. Publishing uses a connection distinct from the consuming
// one, since a blocked subscribe/consume call cannot issue commands.
type Client interface {
	// Consume blocks, delivering each inbound payload to handler,
	// until ctx is cancelled or the client is closed.
	Consume(ctx context.Context, handler Handler) error

	// Publish sends a payload onto the shared channel/stream.
	Publish(ctx context.Context, payload []byte) error

	Close() error
}

// Backend selects the bus transport implementation.
const (
	BackendPubSub = "pubsub"
	BackendStream = "stream"
)

// Config holds bus connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int

	Backend  string // "pubsub" (default) or "stream"
	Channel  string // pub/sub channel name
	Stream   string // stream key
	Group    string // stream consumer group
	Consumer string // stream consumer name, defaults to local agent id
}

// New builds the configured bus client.
func New(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "", BackendPubSub:
		return NewPubSub(cfg)
	case BackendStream:
		return NewStream(cfg)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

// newRedisClient creates one go-redis client from bus config.
func newRedisClient(cfg Config) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("bus: redis URL not configured")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus: invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = 5 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3
	return redis.NewClient(opts), nil
}

// Ping checks bus reachability, used by the status command.
func Ping(ctx context.Context, cfg Config) error {
	c, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx).Err()
}

// RetryBackoff returns the pause before retry attempt n (0-based),
// linear up to a ceiling. Transport errors never exit the process;
// every consumer of a bus connection retries on this schedule.
func RetryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt+1) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}
