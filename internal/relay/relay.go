// Package relay implements the core loop: consume bus envelopes, apply
// the loop guard and mention matcher, and hand matched messages off to
// the agent injector.
//
// Envelope handling is single-threaded: one envelope at a time is
// decoded, matched, and admitted, which makes the guard's check-and-set
// race-free. Only the injector hand-off runs in its own goroutine, so
// the relay never blocks on an agent while the bus keeps producing.
package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jiyundev/agentbridge/internal/bus"
	"github.com/jiyundev/agentbridge/internal/envelope"
	"github.com/jiyundev/agentbridge/internal/injector"
	"github.com/jiyundev/agentbridge/internal/loopguard"
	"github.com/jiyundev/agentbridge/internal/mention"
	"github.com/jiyundev/agentbridge/internal/registry"
)

// Publisher republishes injector responses onto the bus.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// ChatSender posts rendered output to the platform's destination chat
// so humans watching it see agent replies.
type ChatSender interface {
	Send(ctx context.Context, text string) error
}

// Config holds relay core settings.
type Config struct {
	// LocalID is this instance's own identity.
	LocalID string
	// Republish controls whether injector output is published back
	// onto the bus as a derived envelope (backend-dependent).
	Republish bool
}

// Stats counts relay outcomes, in consume order plus async injection
// results.
type Stats struct {
	Handled     int
	DecodeDrops int
	Rejected    int
	NoMention   int
	Injections  int
	InjectFails int
	Republished int
	EchoFanouts int
	ChatSends   int
}

// Core consumes decoded envelopes and drives injection.
type Core struct {
	cfg   Config
	reg   *registry.Registry
	guard *loopguard.Guard
	inj   injector.Injector
	pub   Publisher  // nil disables republish
	chat  ChatSender // nil disables chat delivery

	wg sync.WaitGroup // in-flight injections

	mu    sync.Mutex
	stats Stats
}

// New creates a relay core. pub may be nil when the backend does not
// republish responses.
func New(cfg Config, reg *registry.Registry, guard *loopguard.Guard, inj injector.Injector, pub Publisher) *Core {
	return &Core{cfg: cfg, reg: reg, guard: guard, inj: inj, pub: pub}
}

// SetChat attaches a chat channel that receives non-empty injector
// output. Call before Run; the field is read by dispatch goroutines.
func (c *Core) SetChat(chat ChatSender) {
	c.chat = chat
}

// statsInterval spaces the periodic counter log lines.
const statsInterval = time.Minute

// Run consumes the bus until ctx ends. Transport errors are retried
// on the shared bus backoff schedule; the relay process never exits
// on a lost connection.
func (c *Core) Run(ctx context.Context, client bus.Client) error {
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.LogStats()
			}
		}
	}()

	attempt := 0
	for {
		err := client.Consume(ctx, c.Handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bus.RetryBackoff(attempt)
		log.Printf("[Relay] ⚠️ bus consume ended: %v (reconnecting in %v)", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		attempt++
	}
}

// Handle processes one raw wire payload. All per-message errors are
// contained here; a bad message never stops the loop.
func (c *Core) Handle(ctx context.Context, raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		c.bump(func(s *Stats) { s.DecodeDrops++ })
		log.Printf("[Relay] dropping undecodable message: %v", err)
		return
	}
	c.bump(func(s *Stats) { s.Handled++ })

	if env.Kind == envelope.KindEcho {
		c.handleEcho(ctx, env)
		return
	}
	c.handleMessage(ctx, env)
}

// handleEcho fans an agent's own output out to every hosted sibling.
// Echoes bypass guard and matcher, never change depth, and never
// republish: they are a notification of fact, not a trigger.
func (c *Core) handleEcho(ctx context.Context, env envelope.Envelope) {
	sender := c.reg.Resolve(env.From)
	text := renderEcho(env)

	for _, spec := range c.reg.Entries() {
		if spec.ID == sender {
			continue
		}
		c.bump(func(s *Stats) { s.EchoFanouts++ })
		c.dispatch(ctx, spec, text, env, false)
	}
}

// handleMessage runs the guard and matcher, then dispatches to every
// mentioned hosted agent.
func (c *Core) handleMessage(ctx context.Context, env envelope.Envelope) {
	if res := c.guard.Admit(env); !res.Admitted {
		c.bump(func(s *Stats) { s.Rejected++ })
		log.Printf("[Relay] rejected (%s): from=%s depth=%d", res.Reason, env.From, env.Depth)
		return
	}

	matched := mention.MatchAll(env.Text, c.reg)
	if len(matched) == 0 {
		// Bus-wide awareness only; nothing hosted here was addressed.
		c.bump(func(s *Stats) { s.NoMention++ })
		return
	}

	text := renderMention(env)
	for _, spec := range matched {
		c.bump(func(s *Stats) { s.Injections++ })
		log.Printf("[Relay] 📨 %s → %s (depth %d→%d)", env.From, spec.ID, env.Depth, env.Depth+1)
		c.dispatch(ctx, spec, text, env, c.cfg.Republish)
	}
}

// dispatch hands text to the injector without blocking the consume
// loop. At most one attempt per envelope per target; a failure is
// logged and never retried. When republish is set, non-empty injector
// output goes back onto the bus as a derived envelope.
func (c *Core) dispatch(ctx context.Context, spec registry.AgentSpec, text string, env envelope.Envelope, republish bool) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		res, err := c.inj.Inject(ctx, spec.ID, text, spec.Session)
		if err != nil {
			c.bump(func(s *Stats) { s.InjectFails++ })
			log.Printf("[Relay] ⚠️ injection into %s failed: %v", spec.ID, err)
			return
		}
		if res.Output == "" {
			return
		}

		// Rendered output goes to the destination chat regardless of
		// whether the bus republish is enabled.
		if c.chat != nil {
			if err := c.chat.Send(ctx, res.Output); err != nil {
				log.Printf("[Relay] ⚠️ chat delivery of %s reply failed: %v", spec.ID, err)
			} else {
				c.bump(func(s *Stats) { s.ChatSends++ })
			}
		}

		if !republish || c.pub == nil {
			return
		}

		reply := envelope.Envelope{
			From:      c.cfg.LocalID,
			Text:      res.Output,
			Timestamp: time.Now().UnixMilli(),
			Depth:     env.Depth + 1,
			Kind:      envelope.KindMessage,
		}
		data, err := envelope.Encode(reply)
		if err != nil {
			log.Printf("[Relay] encode reply from %s: %v", spec.ID, err)
			return
		}
		if err := c.pub.Publish(ctx, data); err != nil {
			log.Printf("[Relay] republish reply from %s: %v", spec.ID, err)
			return
		}
		c.bump(func(s *Stats) { s.Republished++ })
	}()
}

// Wait blocks until in-flight injections finish. Shutdown does not
// call this; abandoning in-flight work on termination is accepted.
func (c *Core) Wait() {
	c.wg.Wait()
}

// Stats returns a snapshot of relay counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// LogStats emits one summary line of relay and guard counters. Run
// calls it periodically; the relay command calls it on shutdown.
func (c *Core) LogStats() {
	s := c.Stats()
	log.Printf("[Relay] 📊 handled=%d injected=%d rejected=%d noMention=%d decodeDrops=%d echoFanouts=%d republished=%d chatSends=%d injectFails=%d guard=%v",
		s.Handled, s.Injections, s.Rejected, s.NoMention, s.DecodeDrops,
		s.EchoFanouts, s.Republished, s.ChatSends, s.InjectFails, c.guard.Stats())
}

func (c *Core) bump(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

// renderMention tags the text with its source and the incremented hop
// count so the receiving agent can see the causal chain.
func renderMention(env envelope.Envelope) string {
	return fmt.Sprintf("[relay from %s depth:%d] %s", env.From, env.Depth+1, env.Text)
}

// renderEcho wraps an echo so the target sees whose output it was.
func renderEcho(env envelope.Envelope) string {
	return fmt.Sprintf("[echo] %s said: %s", env.From, env.Text)
}
