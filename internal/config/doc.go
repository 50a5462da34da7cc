// Package config handles configuration loading, saving, and schema definition.
package config

// Config is the top-level agentbridge configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	// AgentID is this instance's own identity on the bus. Required.
	AgentID    string         `json:"agentId"`
	AgentsFile string         `json:"agentsFile,omitempty"` // path to agents.yaml
	Bus        BusConfig      `json:"bus"`
	Relay      RelayConfig    `json:"relay"`
	Injector   InjectorConfig `json:"injector"`
	Channel    ChannelConfig  `json:"channel"`
}

// BusConfig holds the Redis bus transport settings.
type BusConfig struct {
	RedisURL string `json:"redisUrl"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Backend  string `json:"backend,omitempty"` // "pubsub" (default) or "stream"
	Channel  string `json:"channel,omitempty"`
	Stream   string `json:"stream,omitempty"`
	Group    string `json:"group,omitempty"`
}

// RelayConfig holds loop-prevention settings.
type RelayConfig struct {
	CooldownMs int `json:"cooldownMs,omitempty"`
	MaxDepth   int `json:"maxDepth,omitempty"`
}

// InjectorConfig holds the external agent hand-off command.
type InjectorConfig struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	TimeoutSec int      `json:"timeoutSec,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

// ChannelConfig holds chat platform settings.
type ChannelConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string   `json:"token"`
	ChatID    string   `json:"chatId"` // destination chat for rendered output
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Bus: BusConfig{
			Backend: "pubsub",
			Channel: "agents:relay",
			Stream:  "agents:relay:stream",
			Group:   "relay",
		},
		Relay: RelayConfig{
			CooldownMs: 5000,
			MaxDepth:   3,
		},
		Injector: InjectorConfig{
			TimeoutSec: 120,
		},
	}
}
