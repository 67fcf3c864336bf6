package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an auth token and connect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var out map[string]any
		err := newDaemonClient().do(ctx, http.MethodPost, "/v1/login",
			map[string]string{"token": args[0]}, &out)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(out)
			return nil
		}
		fmt.Printf("logged in, connected: %v\n", out["connected"])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the auth token and all local chat state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := newDaemonClient().do(ctx, http.MethodPost, "/v1/logout", nil, nil); err != nil {
			return err
		}
		fmt.Println("logged out")
		return nil
	},
}
