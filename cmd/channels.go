package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/munlucky/moonbot/internal/config"
	"github.com/munlucky/moonbot/pkg/protocol"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage registered channels",
	}
	cmd.AddCommand(channelsListCmd())
	cmd.AddCommand(channelsAddCmd())
	cmd.AddCommand(channelsSimpleCmd("remove", protocol.MethodChannelRemove, "Remove a channel"))
	cmd.AddCommand(channelsSimpleCmd("enable", protocol.MethodChannelEnable, "Enable a channel"))
	cmd.AddCommand(channelsSimpleCmd("disable", protocol.MethodChannelDisable, "Disable a channel"))
	return cmd
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered channels",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result := mustCall(ctx, protocol.MethodChannelList, map[string]any{})
			var res struct {
				Channels []config.ChannelEntry `json:"channels"`
			}
			if err := json.Unmarshal(result, &res); err != nil {
				fmt.Fprintf(os.Stderr, "bad response: %v\n", err)
				os.Exit(1)
			}
			if len(res.Channels) == 0 {
				fmt.Println("No channels registered.")
				return
			}
			fmt.Println(runewidth.FillRight("ID", 20) + runewidth.FillRight("SURFACE", 12) + runewidth.FillRight("ENABLED", 9) + "NAME")
			for _, ch := range res.Channels {
				fmt.Println(
					runewidth.FillRight(ch.ID, 20) +
						runewidth.FillRight(ch.Surface, 12) +
						runewidth.FillRight(fmt.Sprintf("%v", ch.Enabled), 9) +
						ch.Name)
			}
		},
	}
}

func channelsAddCmd() *cobra.Command {
	var (
		surface string
		name    string
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a channel",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			mustCall(ctx, protocol.MethodChannelAdd, map[string]any{
				"id": args[0], "surface": surface, "name": name,
			})
			fmt.Printf("added channel %s\n", args[0])
		},
	}
	cmd.Flags().StringVar(&surface, "surface", "cli", "channel surface (discord, slack, cli)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func channelsSimpleCmd(verb, method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			mustCall(ctx, method, map[string]any{"id": args[0]})
			fmt.Printf("%s: %s\n", verb, args[0])
		},
	}
}
