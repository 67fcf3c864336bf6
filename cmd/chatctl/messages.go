package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/kristikumria/komuniteti-chatd/internal/model"
)

var (
	messagesRefresh bool
	sendReplyTo     string
	deleteConvID    string
)

func init() {
	messagesCmd.Flags().BoolVar(&messagesRefresh, "refresh", false, "fetch from the server instead of the daemon cache")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	deleteCmd.Flags().StringVar(&deleteConvID, "conversation", "", "conversation the message belongs to (required)")
	_ = deleteCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(outboxCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		path := "/v1/conversations/" + args[0] + "/messages"
		if messagesRefresh {
			path += "?refresh=1"
		}
		var msgs []model.Message
		if err := newDaemonClient().do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(msgs)
			return nil
		}
		for _, m := range msgs {
			ts := time.UnixMilli(m.TimestampMs).Format("15:04:05")
			fmt.Printf("[%s] %-12s %-9s %s\n", ts, m.SenderName, m.Status, m.Content)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message (queued when offline)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var msg model.Message
		err := newDaemonClient().do(ctx, http.MethodPost, "/v1/messages", map[string]string{
			"conversationId": args[0],
			"content":        args[1],
			"replyTo":        sendReplyTo,
		}, &msg)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(msg)
			return nil
		}
		fmt.Printf("%s: %s\n", msg.Status, msg.ClientID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		path := "/v1/messages/" + args[0] + "?conversationId=" + url.QueryEscape(deleteConvID)
		return newDaemonClient().do(ctx, http.MethodDelete, path, nil, nil)
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Show messages waiting for delivery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var pending []model.QueuedMessage
		if err := newDaemonClient().do(ctx, http.MethodGet, "/v1/outbox", nil, &pending); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(pending)
			return nil
		}
		if len(pending) == 0 {
			fmt.Println("outbox empty")
			return nil
		}
		for _, q := range pending {
			ts := time.UnixMilli(q.QueuedAtMs).Format(time.RFC3339)
			fmt.Printf("%s  %s  %s\n", ts, q.ConversationID, q.Content)
		}
		return nil
	},
}
