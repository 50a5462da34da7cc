// Package channels integrates chat platforms with the relay bus. A
// channel watches its platform for chat lines, publishes them as fresh
// envelopes, and posts rendered relay output back to a destination
// chat.
package channels

import (
	"context"
	"strings"
)

// Channel is the interface chat platform integrations implement.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram").
	Name() string

	// Start connects to the platform and begins watching. Blocks
	// until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop shuts down the channel.
	Stop() error

	// Send posts text to the channel's destination chat.
	Send(ctx context.Context, text string) error

	// IsRunning returns whether the channel is active.
	IsRunning() bool
}

// BaseChannel provides shared allow-list logic.
type BaseChannel struct {
	ChannelName string
	AllowFrom   []string
	Running     bool
}

// IsAllowed checks if a sender may feed messages onto the bus.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range b.AllowFrom {
		if allowed == senderID {
			return true
		}
	}
	// Support pipe-separated sender IDs (numeric id|username).
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.AllowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}
