package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kristikumria/komuniteti-chatd/internal/model"
)

var conversationsRefresh bool

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsRefresh, "refresh", false, "fetch from the server instead of the daemon cache")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(readCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		path := "/v1/conversations"
		if conversationsRefresh {
			path += "?refresh=1"
		}
		var convs []model.Conversation
		if err := newDaemonClient().do(ctx, http.MethodGet, path, nil, &convs); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(convs)
			return nil
		}
		if len(convs) == 0 {
			fmt.Println("no conversations")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = "  " + c.LastMessage.Content
			}
			fmt.Printf("%-24s %s%s%s\n", c.ID, c.Title, unread, preview)
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Make a conversation active and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var out map[string]string
		err := newDaemonClient().do(ctx, http.MethodPut,
			"/v1/conversations/"+args[0]+"/active", nil, &out)
		if err != nil {
			return err
		}
		fmt.Printf("active: %s\n", out["active"])
		return nil
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Clear the active conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return newDaemonClient().do(ctx, http.MethodDelete, "/v1/conversations/active", nil, nil)
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return newDaemonClient().do(ctx, http.MethodPost,
			"/v1/conversations/"+args[0]+"/read", nil, nil)
	},
}
