package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jiyundev/agentbridge/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize agentbridge configuration",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

const sampleAgentsYAML = `# Locally hosted agent identities. The relay injects mentioning
# messages into these agents and fans echoes out to them.
agents:
  - id: choa
    aliases: ["초아"]
    session: choa-main
  - id: sera
    aliases: ["세라"]
    session: sera-main
`

func runOnboard(cmd *cobra.Command, args []string) error {
	configPath := config.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
	} else {
		os.MkdirAll(filepath.Dir(configPath), 0755)
		cfg := config.DefaultConfig()
		cfg.Bus.RedisURL = "redis://localhost:6379"
		if err := config.Save(cfg, ""); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("✓ Created config at %s\n", configPath)
	}

	agentsPath := filepath.Join(filepath.Dir(configPath), "agents.yaml")
	if _, err := os.Stat(agentsPath); os.IsNotExist(err) {
		if err := os.WriteFile(agentsPath, []byte(sampleAgentsYAML), 0644); err != nil {
			return fmt.Errorf("creating agents.yaml: %w", err)
		}
		fmt.Printf("✓ Created %s\n", agentsPath)
	}

	fmt.Println("\n🔗 agentbridge is ready!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set agentId and injector.command in ~/.agentbridge/config.json")
	fmt.Println("  2. Edit ~/.agentbridge/agents.yaml with your hosted agents")
	fmt.Println("  3. Run: agentbridge relay")
	return nil
}
