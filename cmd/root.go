package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/munlucky/moonbot/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "moonbot",
	Short: "Moonbot — local-first agent runtime",
	Long:  "Moonbot runs an agent gateway on your machine: a WebSocket JSON-RPC endpoint in front of a policy-guarded tool runtime, per-channel task queues, and durable sessions.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.moonbot/config.json or $MOONBOT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("moonbot %s (protocol %s)\n", Version, protocol.Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("MOONBOT_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome(config.DefaultPath)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
