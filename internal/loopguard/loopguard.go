// Package loopguard implements the admission check that keeps the agent
// mesh from feeding back on itself: self-origin rejection, a hard
// recursion-depth ceiling, and a process-wide injection cooldown.
package loopguard

import (
	"log"
	"sync"
	"time"

	"github.com/jiyundev/agentbridge/internal/envelope"
)

// Reason describes why an envelope was rejected.
type Reason string

const (
	// ReasonSelfOrigin: the envelope came from this instance's own
	// identity. Echo envelopes are exempt; their whole purpose is to
	// notify siblings of one's own prior output.
	ReasonSelfOrigin Reason = "self_origin"
	// ReasonDepthExceeded: the hop counter reached the ceiling. Without
	// it, two agents mentioning each other would recurse forever.
	ReasonDepthExceeded Reason = "depth_exceeded"
	// ReasonCooldown: not enough time has passed since the last
	// injection. A blunt global rate limiter, not a per-sender one.
	ReasonCooldown Reason = "cooldown"
)

// Result is the outcome of an admission check.
type Result struct {
	Admitted bool
	Reason   Reason // set only on rejection
}

// Config holds guard settings. Clock is injectable for tests.
type Config struct {
	LocalID  string
	MaxDepth int
	Cooldown time.Duration
	Clock    func() time.Time
}

// DefaultConfig returns guard defaults for a local identity.
func DefaultConfig(localID string) Config {
	return Config{
		LocalID:  localID,
		MaxDepth: 3,
		Cooldown: 5 * time.Second,
	}
}

// Guard tracks the process-wide injection cooldown. Admit is called
// from the single relay consume goroutine; the mutex exists because
// Stats is read from the periodic status reporter.
type Guard struct {
	cfg Config

	mu           sync.Mutex
	lastInjectAt time.Time

	admitCount      int
	selfOriginCount int
	depthCount      int
	cooldownCount   int
}

// NewGuard creates a guard, filling zero config fields with defaults.
func NewGuard(cfg Config) *Guard {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Guard{cfg: cfg}
}

// Admit decides whether an envelope may trigger injection. Reasons are
// evaluated in order: self-origin, depth, cooldown. On admission the
// cooldown timestamp advances immediately, so check-and-set is one step.
func (g *Guard) Admit(env envelope.Envelope) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	if env.From == g.cfg.LocalID && env.Kind != envelope.KindEcho {
		g.selfOriginCount++
		return Result{Reason: ReasonSelfOrigin}
	}

	if env.Depth >= g.cfg.MaxDepth {
		g.depthCount++
		log.Printf("[LoopGuard] depth %d >= max %d, rejecting (from=%s)",
			env.Depth, g.cfg.MaxDepth, env.From)
		return Result{Reason: ReasonDepthExceeded}
	}

	now := g.cfg.Clock()
	if !g.lastInjectAt.IsZero() {
		if elapsed := now.Sub(g.lastInjectAt); elapsed < g.cfg.Cooldown {
			g.cooldownCount++
			log.Printf("[LoopGuard] cooldown active (%v < %v), rejecting (from=%s)",
				elapsed.Round(time.Millisecond), g.cfg.Cooldown, env.From)
			return Result{Reason: ReasonCooldown}
		}
	}

	g.lastInjectAt = now
	g.admitCount++
	return Result{Admitted: true}
}

// MaxDepth returns the configured depth ceiling.
func (g *Guard) MaxDepth() int {
	return g.cfg.MaxDepth
}

// Stats returns guard counters for status reporting.
func (g *Guard) Stats() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return map[string]any{
		"admitted":      g.admitCount,
		"selfOrigin":    g.selfOriginCount,
		"depthExceeded": g.depthCount,
		"cooldown":      g.cooldownCount,
	}
}
