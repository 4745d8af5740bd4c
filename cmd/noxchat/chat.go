package main

import (
	"github.com/spf13/cobra"

	"noxchat/internal/app"
	"noxchat/internal/config"
)

func init() {
	flags := chatCmd.Flags()
	flags.Int64("peer", 0, "open the conversation with this user id")
	flags.Bool("tui", false, "full-screen terminal UI")
	flags.Bool("reconnect", false, "reconnect the push session after it drops")
	flags.String("bridge-addr", "", "serve a local browser bridge on this address, e.g. 127.0.0.1:8081")
	flags.Duration("heartbeat", 0, "STOMP heart-beat interval, 0s disables (default 10s)")
	flags.Duration("typing-interval", 0, "minimum gap between typing signals (default 2s)")
	flags.Duration("dedup-ttl", 0, "how long pushed message ids are remembered (default 10m)")
	bind(chatCmd, map[string]string{
		config.KeyTUI:            "tui",
		config.KeyReconnect:      "reconnect",
		config.KeyBridgeAddr:     "bridge-addr",
		config.KeyHeartbeat:      "heartbeat",
		config.KeyTypingInterval: "typing-interval",
		config.KeyDedupTTL:       "dedup-ttl",
	}, false)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [peer-id]",
	Short: "Open an interactive chat session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, _ := cmd.Flags().GetInt64("peer")
		if len(args) == 1 {
			id, err := parsePeer(args[0])
			if err != nil {
				return err
			}
			peer = id
		}
		a, done, err := openApp(cmd, v.GetBool(config.KeyTUI))
		if err != nil {
			return err
		}
		defer done()
		return a.Chat(cmd.Context(), app.ChatOptions{Peer: peer, Input: cmd.InOrStdin()})
	},
}
