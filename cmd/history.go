package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/killallgit/chatline/pkg/config"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <thread_id>",
	Short: "Show a conversation",
	Long:  `Load a stored conversation from the chat backend and print it`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := NewApp(config.Get())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
			os.Exit(1)
		}

		if err := showHistory(cmd.Context(), app, args[0], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// showHistory loads sessionID into the app transcript and prints it
func showHistory(ctx context.Context, app *App, sessionID string, out io.Writer) error {
	session, err := app.History.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Title != "" {
		fmt.Fprintf(out, "# %s\n\n", session.Title)
	}
	messages := app.Transcript.Messages()
	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages")
		return nil
	}
	fmt.Fprintln(out, app.Formatter.Transcript(messages))
	fmt.Fprintln(out)
	return nil
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
