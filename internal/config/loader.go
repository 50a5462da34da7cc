package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// GetConfigPath returns the default config file path (~/.agentbridge/config.json).
func GetConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentbridge", "config.json")
}

// Load reads configuration from a JSON file.
// If path is empty, uses the default config path.
// If the file doesn't exist, returns DefaultConfig().
func Load(path string) (Config, error) {
	if path == "" {
		path = GetConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, err
	}

	cfg := DefaultConfig() // start with defaults so zero-value fields get filled
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

// Save writes configuration to a JSON file.
// If path is empty, uses the default config path.
func Save(cfg Config, path string) error {
	if path == "" {
		path = GetConfigPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overlays environment variables onto cfg:
// AGENTBRIDGE_AGENT_ID, AGENTBRIDGE_REDIS_URL, AGENTBRIDGE_BUS_BACKEND,
// AGENTBRIDGE_AGENTS_FILE, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("AGENTBRIDGE_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("AGENTBRIDGE_REDIS_URL"); v != "" {
		cfg.Bus.RedisURL = v
	}
	if v := os.Getenv("AGENTBRIDGE_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("AGENTBRIDGE_AGENTS_FILE"); v != "" {
		cfg.AgentsFile = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		if cfg.Channel.Telegram == nil {
			cfg.Channel.Telegram = &TelegramConfig{}
		}
		cfg.Channel.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if cfg.Channel.Telegram == nil {
			cfg.Channel.Telegram = &TelegramConfig{}
		}
		cfg.Channel.Telegram.ChatID = v
	}
	return cfg
}

// Error is a fatal startup configuration problem. The process exits
// with non-zero status before any bus connection is attempted.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return "config: " + e.Field + ": " + e.Msg
}

// Validate checks the fields the relay cannot start without.
func Validate(cfg Config) error {
	if cfg.AgentID == "" {
		return &Error{Field: "agentId", Msg: "local agent identity is required"}
	}
	if cfg.Bus.RedisURL == "" {
		return &Error{Field: "bus.redisUrl", Msg: "redis URL is required"}
	}
	return nil
}
