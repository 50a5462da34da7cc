package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiyundev/agentbridge/internal/bus"
	"github.com/jiyundev/agentbridge/internal/config"
	"github.com/jiyundev/agentbridge/internal/registry"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agentbridge configuration and bus reachability",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&relayConfigPath, "config", "c", "", "Config file path")
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath := relayConfigPath
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(relayConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = config.ApplyEnv(cfg)

	fmt.Println("🔗 agentbridge Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Agent ID: %s\n", cfg.AgentID)
	fmt.Printf("Bus: %s (backend=%s)\n", cfg.Bus.RedisURL, cfg.Bus.Backend)
	fmt.Printf("Cooldown: %dms, MaxDepth: %d\n", cfg.Relay.CooldownMs, cfg.Relay.MaxDepth)
	fmt.Printf("Injector: %s\n", cfg.Injector.Command)

	if tg := cfg.Channel.Telegram; tg != nil && tg.Token != "" {
		fmt.Println("Telegram: ✓")
	}

	if cfg.AgentsFile != "" {
		if specs, err := registry.LoadAgentSpecs(cfg.AgentsFile); err == nil && len(specs) > 0 {
			fmt.Println("\nHosted agents:")
			for _, spec := range specs {
				fmt.Printf("  %s (aliases: %v)\n", spec.ID, spec.Aliases)
			}
		}
	}

	if cfg.Bus.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bus.Ping(ctx, bus.Config{
			URL:      cfg.Bus.RedisURL,
			Password: cfg.Bus.Password,
			DB:       cfg.Bus.DB,
		}); err != nil {
			fmt.Printf("\nBus: ❌ unreachable (%v)\n", err)
		} else {
			fmt.Println("\nBus: ✅ reachable")
		}
	}

	return nil
}
