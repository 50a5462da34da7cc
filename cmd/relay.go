package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiyundev/agentbridge/internal/bus"
	"github.com/jiyundev/agentbridge/internal/channels"
	"github.com/jiyundev/agentbridge/internal/config"
	"github.com/jiyundev/agentbridge/internal/injector"
	"github.com/jiyundev/agentbridge/internal/loopguard"
	"github.com/jiyundev/agentbridge/internal/registry"
	"github.com/jiyundev/agentbridge/internal/relay"
)

var (
	relayConfigPath string
	relayAgentsPath string
	relayBackend    string
	relayRepublish  bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay loop in the foreground",
	RunE:  runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.PersistentFlags().StringVarP(&relayConfigPath, "config", "c", "", "Config file path (default ~/.agentbridge/config.json)")
	relayCmd.Flags().StringVar(&relayAgentsPath, "agents", "", "Path to agents.yaml (default: next to config)")
	relayCmd.Flags().StringVar(&relayBackend, "backend", "", "Bus backend: pubsub or stream (overrides config)")
	relayCmd.Flags().BoolVar(&relayRepublish, "republish", false, "Republish injector responses onto the bus")
}

// loadRelayConfig resolves settings CLI flag → config file → env var.
func loadRelayConfig() (config.Config, error) {
	cfg, err := config.Load(relayConfigPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	cfg = config.ApplyEnv(cfg)
	if relayBackend != "" {
		cfg.Bus.Backend = relayBackend
	}
	if relayAgentsPath != "" {
		cfg.AgentsFile = relayAgentsPath
	}
	if cfg.AgentsFile == "" {
		base := relayConfigPath
		if base == "" {
			base = config.GetConfigPath()
		}
		cfg.AgentsFile = filepath.Join(filepath.Dir(base), "agents.yaml")
	}
	return cfg, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadRelayConfig()
	if err != nil {
		return err
	}

	// Fatal before any bus connection is attempted.
	if err := config.Validate(cfg); err != nil {
		return err
	}

	specs, err := registry.LoadAgentSpecs(cfg.AgentsFile)
	if err != nil {
		return err
	}
	reg, err := registry.New(specs)
	if err != nil {
		return err
	}
	log.Printf("[Relay] hosting %d agent(s): %v (local=%s)", reg.Len(), reg.AgentIDs(), cfg.AgentID)

	guard := loopguard.NewGuard(loopguard.Config{
		LocalID:  cfg.AgentID,
		MaxDepth: cfg.Relay.MaxDepth,
		Cooldown: time.Duration(cfg.Relay.CooldownMs) * time.Millisecond,
	})

	inj := injector.NewCLIInjector(cfg.Injector.Command, cfg.Injector.Args)
	if cfg.Injector.TimeoutSec > 0 {
		inj.Timeout = time.Duration(cfg.Injector.TimeoutSec) * time.Second
	}
	inj.WorkingDir = cfg.Injector.WorkingDir

	client, err := bus.New(bus.Config{
		URL:      cfg.Bus.RedisURL,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
		Backend:  cfg.Bus.Backend,
		Channel:  cfg.Bus.Channel,
		Stream:   cfg.Bus.Stream,
		Group:    cfg.Bus.Group,
		Consumer: cfg.AgentID,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	core := relay.New(relay.Config{
		LocalID:   cfg.AgentID,
		Republish: relayRepublish,
	}, reg, guard, inj, client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Termination closes the bus and exits; in-flight injections are
	// abandoned, best-effort only.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[Relay] received %v, shutting down", sig)
		cancel()
		client.Close()
	}()

	if tg := cfg.Channel.Telegram; tg != nil && tg.Token != "" {
		ch := channels.NewTelegram(tg.Token, tg.ChatID, tg.AllowFrom, client)
		if tg.ChatID != "" {
			// Injector replies also land in the destination chat.
			core.SetChat(ch)
		}
		go func() {
			if err := ch.Start(ctx); err != nil {
				log.Printf("[Relay] telegram channel stopped: %v", err)
			}
		}()
	}

	log.Printf("[Relay] 🚀 started (backend=%s, cooldown=%dms, maxDepth=%d)",
		cfg.Bus.Backend, cfg.Relay.CooldownMs, guard.MaxDepth())

	err = core.Run(ctx, client)
	core.LogStats()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
