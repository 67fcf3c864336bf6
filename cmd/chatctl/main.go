package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kristikumria/komuniteti-chatd/internal/session"
)

var (
	sessionFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Control the Komuniteti chat daemon",
	Long:  "Command-line client for chatd.\nTalks to the daemon over its per-session unix socket.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		name := session.Resolve(sessionFlag)
		if err := session.ValidateName(name); err != nil {
			return err
		}
		sessionName = name
		return nil
	},
	SilenceUsage: true,
}

// sessionName is resolved once in PersistentPreRunE.
var sessionName string

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
