package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	Session            string `json:"session"`
	Phase              string `json:"phase"`
	Connected          bool   `json:"connected"`
	InternetReachable  bool   `json:"internetReachable"`
	ActiveConversation string `json:"activeConversation"`
	UnreadTotal        int    `json:"unreadTotal"`
	PendingOutbox      int    `json:"pendingOutbox"`
	LastError          string `json:"lastError"`
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon connection and chat state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var st statusResponse
		if err := newDaemonClient().do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Session:   %s\n", st.Session)
		fmt.Printf("Phase:     %s\n", st.Phase)
		fmt.Printf("Connected: %v (internet reachable: %v)\n", st.Connected, st.InternetReachable)
		fmt.Printf("Unread:    %d\n", st.UnreadTotal)
		fmt.Printf("Outbox:    %d pending\n", st.PendingOutbox)
		if st.ActiveConversation != "" {
			fmt.Printf("Active:    %s\n", st.ActiveConversation)
		}
		if st.LastError != "" {
			fmt.Printf("Error:     %s\n", st.LastError)
		}
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Ask the daemon to connect to the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var out map[string]any
		if err := newDaemonClient().do(ctx, http.MethodPost, "/v1/connect", nil, &out); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("connected: %v, phase: %v\n", out["connected"], out["phase"])
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close the chat connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		var out map[string]any
		if err := newDaemonClient().do(ctx, http.MethodPost, "/v1/disconnect", nil, &out); err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("phase: %v\n", out["phase"])
		return nil
	},
}
