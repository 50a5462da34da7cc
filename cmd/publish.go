package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiyundev/agentbridge/internal/bus"
	"github.com/jiyundev/agentbridge/internal/config"
	"github.com/jiyundev/agentbridge/internal/envelope"
)

var (
	publishEcho bool
	publishFrom string
)

var publishCmd = &cobra.Command{
	Use:   "publish [text]",
	Short: "Publish a message onto the relay bus",
	Long: `Wraps text into a fresh depth-0 envelope and publishes it.
Reads standard input when no text argument is given. Used for
out-of-band testing and for feeding an agent's own outgoing chat line
back onto the bus (--echo).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVarP(&relayConfigPath, "config", "c", "", "Config file path")
	publishCmd.Flags().BoolVar(&publishEcho, "echo", false, "Publish as an echo envelope")
	publishCmd.Flags().StringVar(&publishFrom, "from", "", "Override the sender identity (default: local agent id)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(relayConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	var text string
	if len(args) > 0 {
		text = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return fmt.Errorf("nothing to publish")
	}

	from := publishFrom
	if from == "" {
		from = cfg.AgentID
	}

	env := envelope.NewMessage(from, text)
	if publishEcho {
		env = envelope.NewEcho(from, text)
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	client, err := bus.New(bus.Config{
		URL:      cfg.Bus.RedisURL,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
		Backend:  cfg.Bus.Backend,
		Channel:  cfg.Bus.Channel,
		Stream:   cfg.Bus.Stream,
		Group:    cfg.Bus.Group,
		Consumer: from,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Publish(ctx, data); err != nil {
		return err
	}

	fmt.Printf("✅ Published %s envelope from %s (%d bytes)\n", env.Kind, from, len(data))
	return nil
}
