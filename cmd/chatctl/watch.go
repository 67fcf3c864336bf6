package main

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var watchNamespace string

func init() {
	watchCmd.Flags().StringVar(&watchNamespace, "ns", "", "event namespace prefix filter (conn., chat., outbox.)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/events"
		if watchNamespace != "" {
			path += "?ns=" + url.QueryEscape(watchNamespace)
		}

		body, err := newDaemonClient().stream(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer func() { _ = body.Close() }()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			fmt.Println(line)
		}
		return scanner.Err()
	},
}
