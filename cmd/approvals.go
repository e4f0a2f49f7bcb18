package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/pkg/protocol"
)

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and resolve pending tool approvals",
	}
	cmd.AddCommand(approvalsListCmd())
	cmd.AddCommand(approvalsRespondCmd("approve", true))
	cmd.AddCommand(approvalsRespondCmd("deny", false))
	return cmd
}

// approvalRow is the subset of the approval request shown in the table.
type approvalRow struct {
	ID        string          `json:"id"`
	ToolID    string          `json:"toolId"`
	UserID    string          `json:"userId"`
	Input     json.RawMessage `json:"input"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func approvalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result := mustCall(ctx, protocol.MethodApprovalList, map[string]any{})
			var res struct {
				Approvals []approvalRow `json:"approvals"`
			}
			if err := json.Unmarshal(result, &res); err != nil {
				fmt.Fprintf(os.Stderr, "bad response: %v\n", err)
				os.Exit(1)
			}
			if len(res.Approvals) == 0 {
				fmt.Println("No pending approvals.")
				return
			}
			printApprovalTable(res.Approvals)
		},
	}
}

func approvalsRespondCmd(verb string, approved bool) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   verb + " <approval-id>",
		Short: verb + " a pending request",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := args[0]
			if !yes {
				var confirmed bool
				prompt := huh.NewConfirm().
					Title(fmt.Sprintf("%s %s?", verb, id)).
					Value(&confirmed)
				if err := prompt.Run(); err != nil || !confirmed {
					fmt.Println("Cancelled.")
					return
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			mustCall(ctx, protocol.MethodApprovalRespond, map[string]any{
				"approvalId": id,
				"approved":   approved,
			})
			fmt.Printf("%sd %s\n", verb, id)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// printApprovalTable renders a fixed-width table. Wide runes in tool names
// or arguments are padded by display width, not byte length.
func printApprovalTable(rows []approvalRow) {
	const (
		idW   = 46
		toolW = 16
		userW = 12
	)
	header := runewidth.FillRight("ID", idW) +
		runewidth.FillRight("TOOL", toolW) +
		runewidth.FillRight("USER", userW) +
		"EXPIRES"
	fmt.Println(header)
	for _, r := range rows {
		input := string(r.Input)
		if input != "" {
			input = "  " + runewidth.Truncate(input, 40, "…")
		}
		fmt.Println(
			runewidth.FillRight(r.ID, idW) +
				runewidth.FillRight(runewidth.Truncate(r.ToolID, toolW-1, "…"), toolW) +
				runewidth.FillRight(runewidth.Truncate(r.UserID, userW-1, "…"), userW) +
				time.Until(r.ExpiresAt).Round(time.Second).String() + input)
	}
}

// mustCall dials, calls, and exits on any failure.
func mustCall(ctx context.Context, method string, params any) json.RawMessage {
	cfg, err := loadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
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
	return result
}
