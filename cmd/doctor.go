package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("moonbot doctor")
	fmt.Printf("  Version:  %s (protocol %s)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults in effect)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	workspace := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", workspace)
	if info, err := os.Stat(workspace); err != nil {
		fmt.Println(" (missing, will be created on start)")
	} else if !info.IsDir() {
		fmt.Println(" (NOT A DIRECTORY)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Sessions:  %s\n", cfg.SessionsPath())
	fmt.Printf("  Logs:      %s\n", cfg.LogsPath())

	if cfg.Gateway.TokenHash == "" {
		fmt.Println("  Auth:      no token configured (loopback-only)")
	} else {
		fmt.Println("  Auth:      token configured")
	}

	fmt.Println()
	fmt.Printf("  Gateway:   ws://%s:%d/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := dialGateway(ctx, cfg)
	if err != nil {
		fmt.Println(" (NOT RUNNING)")
		return
	}
	defer client.close()

	if result, err := client.call(ctx, protocol.MethodGatewayInfo, map[string]any{}); err == nil {
		fmt.Println(" (OK)")
		printJSON(result)
	} else {
		fmt.Printf(" (REACHABLE, info failed: %v)\n", err)
	}
}
