package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "agentbridge — Redis relay bridge for local agent meshes",
	Long: `agentbridge relays messages between a shared Redis bus and locally
hosted agents, so agents behind bot APIs that forbid bot-to-bot
delivery can still see each other's messages.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
