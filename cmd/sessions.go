/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"

	"github.com/killallgit/chatline/pkg/config"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversations",
	Long:  `List the conversations stored by the chat backend`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := NewApp(config.Get())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
			os.Exit(1)
		}

		if err := app.History.ListSessions(cmd.Context(), os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
