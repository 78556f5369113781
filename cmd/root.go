package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/headless"
	"github.com/killallgit/chatline/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chatline",
	Short: "Streaming chat client",
	Long: `Terminal client for a streaming chat backend. Replies, tool calls and
tool results are rendered as they arrive.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := NewApp(config.Get())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sessionID, fresh := resolveSession(app.Config.Session.DefaultID, viper.GetBool("resume"))
		saveLastSession(sessionID)

		if prompt := viper.GetString("prompt"); prompt != "" {
			if err := runPrompt(ctx, app, prompt, sessionID, os.Stdout, os.Stderr); err != nil {
				os.Exit(1)
			}
			return
		}

		if fresh {
			fmt.Printf("Started session %s\n", sessionID)
		} else if err := showHistory(ctx, app, sessionID, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}

		if err := runInteractive(ctx, app, sessionID, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// runPrompt sends one prompt and streams the reply
func runPrompt(ctx context.Context, app *App, prompt, sessionID string, out, errOut io.Writer) error {
	return headless.RunHeadless(ctx, app.Streams, prompt, sessionID, headless.Options{
		Out:       out,
		ErrOut:    errOut,
		Formatter: app.Formatter,
	})
}

// runInteractive reads prompts line by line until EOF, /quit or ctx ends
func runInteractive(ctx context.Context, app *App, sessionID string, in io.Reader, out io.Writer) error {
	log := logger.WithComponent("interactive")

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		fmt.Fprint(out, "> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/clear":
			app.Streams.Clear()
			fmt.Fprintln(out, "Transcript cleared")
		default:
			if err := runPrompt(ctx, app, line, sessionID, out, out); err != nil {
				log.Debug("turn failed", "error", err)
				if errors.Is(err, context.Canceled) {
					return nil
				}
			}
		}
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", ".chatline/settings.yaml", "config file (default is .chatline/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8000", "chat backend base URL")
	viper.BindPFlag("server.base_url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().String("session", "", "conversation (thread) id")
	viper.BindPFlag("session.default_id", rootCmd.PersistentFlags().Lookup("session"))

	rootCmd.PersistentFlags().StringP("transport", "t", config.TransportSSE, "stream transport (sse or websocket)")
	viper.BindPFlag("stream.transport", rootCmd.PersistentFlags().Lookup("transport"))

	rootCmd.Flags().StringP("prompt", "p", "", "send a single prompt and exit")
	viper.BindPFlag("prompt", rootCmd.Flags().Lookup("prompt"))

	rootCmd.Flags().BoolP("resume", "r", false, "continue the last session")
	viper.BindPFlag("resume", rootCmd.Flags().Lookup("resume"))
}

func initConfig() {
	// .env may carry CHATLINE_* overrides
	_ = godotenv.Load()

	if _, err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if used := viper.ConfigFileUsed(); used != "" && fileExists(used) {
		logger.Debug("Using config file: %s", used)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
