package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"noxchat/internal/app"
	"noxchat/internal/config"
	"noxchat/internal/logging"
)

var v = config.New()

var rootCmd = &cobra.Command{
	Use:   "noxchat",
	Short: "Terminal client for Noxtragram direct messages",
	Long: `noxchat signs in to a Noxtragram server, keeps a conversation in sync
across paginated history and live push updates, and lets you chat from the
terminal, a full-screen TUI, or a local browser bridge.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(".env")
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "", "REST base url (default http://localhost:8080/api)")
	flags.String("ws-url", "", "push WebSocket url (default ws://localhost:8080/api/messages/websocket)")
	flags.String("data-dir", "", "directory for the session and history cache (default noxchat-data)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "write logs as JSON")
	flags.String("secret", "", "passphrase sealing the stored token")
	flags.Duration("timeout", 0, "request timeout (default 10s)")
	flags.Int("page-size", 0, "messages per history page (default 20)")
	flags.Bool("no-color", false, "disable ANSI colors in CLI output")

	bind(rootCmd, map[string]string{
		config.KeyAPIURL:   "api-url",
		config.KeyWSURL:    "ws-url",
		config.KeyDataDir:  "data-dir",
		config.KeyLogLevel: "log-level",
		config.KeyLogJSON:  "log-json",
		config.KeySecret:   "secret",
		config.KeyTimeout:  "timeout",
		config.KeyPageSize: "page-size",
		config.KeyNoColor:  "no-color",
	}, true)
}

// bind ties flags to viper keys. Only flags the user actually set override
// the environment and the config file.
func bind(cmd *cobra.Command, keys map[string]string, persistent bool) {
	set := cmd.Flags()
	if persistent {
		set = cmd.PersistentFlags()
	}
	for key, name := range keys {
		if err := v.BindPFlag(key, set.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// openApp resolves configuration and opens the client state. Interactive
// full-screen sessions log to a file so the terminal stays clean.
func openApp(cmd *cobra.Command, logToFile bool) (*app.App, func(), error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = cmd.ErrOrStderr()
	closeLog := func() {}
	if logToFile {
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, nil, err
		}
		f, err := logging.OpenFile(cfg.LogPath())
		if err != nil {
			return nil, nil, err
		}
		w = f
		closeLog = func() { _ = f.Close() }
	}
	logger := logging.New(cfg.LogLevel, w, cfg.LogJSON)
	a, err := app.Open(cfg, logger, cmd.OutOrStdout())
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("close store")
		}
		closeLog()
	}, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
