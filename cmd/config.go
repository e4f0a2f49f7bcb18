package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/internal/gateway"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and update local configuration",
	}
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetTokenCmd())
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the effective config with secrets masked",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			out, _ := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
			fmt.Println(string(out))
		},
	}
}

func configSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token <token>",
		Short: "Set the gateway token (stored as a salted hash)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			salt := gateway.NewSalt()
			cfg.Gateway.TokenSalt = salt
			cfg.Gateway.TokenHash = gateway.HashToken(args[0], salt)
			if err := config.Save(path, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save config: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("token updated; restart the gateway to apply")
		},
	}
}
