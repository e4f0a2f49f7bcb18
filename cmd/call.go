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

func callCmd() *cobra.Command {
	var (
		paramsJSON string
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "call <method>",
		Short: "Call a gateway RPC method",
		Long:  "Call any gateway method over WebSocket, e.g.\n  moonbot call gateway.info\n  moonbot call chat.send --params '{\"channelId\":\"cli\",\"message\":\"hello\"}'",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			method := args[0]

			var params any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					fmt.Fprintf(os.Stderr, "invalid --params JSON: %v\n", err)
					os.Exit(1)
				}
			} else {
				params = map[string]any{}
			}

			cfg, err := loadClientConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			client, err := dialGateway(ctx, cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer client.close()

			result, err := client.call(ctx, method, params)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", method, err)
				os.Exit(1)
			}
			printJSON(result)

			// chat.send answers with a task ack; the result arrives as a
			// notification once the task completes.
			if wait && method == protocol.MethodChatSend {
				note, err := client.waitNotification(ctx, protocol.EventChatResponse)
				if err != nil {
					fmt.Fprintf(os.Stderr, "waiting for response: %v\n", err)
					os.Exit(1)
				}
				printJSON(note)
			}
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "method params as a JSON object")
	cmd.Flags().BoolVar(&wait, "wait", false, "for chat.send, block until the task response arrives")
	return cmd
}
