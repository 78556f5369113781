package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <thread_id>",
	Short: "Export a conversation as plain text",
	Long: `Load a stored conversation and print it as a Human/AI transcript,
suitable as context for another model`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := NewApp(config.Get())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
			os.Exit(1)
		}

		if err := exportHistory(cmd.Context(), app, args[0], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}
	},
}

func exportHistory(ctx context.Context, app *App, sessionID string, out io.Writer) error {
	if _, err := app.History.Load(ctx, sessionID); err != nil {
		return err
	}

	text, err := chat.BufferString(app.Transcript.Messages())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, text)
	return err
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
