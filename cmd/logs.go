package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/pkg/protocol"
)

func logsCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the gateway log",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result := mustCall(ctx, protocol.MethodLogsTail, map[string]any{"lines": lines})
			var res struct {
				Lines []string `json:"lines"`
				File  string   `json:"file"`
			}
			if err := json.Unmarshal(result, &res); err != nil {
				fmt.Fprintf(os.Stderr, "bad response: %v\n", err)
				os.Exit(1)
			}
			for _, line := range res.Lines {
				fmt.Println(line)
			}
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of lines to show")
	return cmd
}
