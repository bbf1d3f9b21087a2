package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/zoquete/internal/protocol/session"
	"github.com/spf13/cobra"
)

func sendCmd(configPath *string) *cobra.Command {
	var (
		addr    string
		wsURL   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <event> [json-payload]",
		Short: "Send one request and print the reply",
		Long: `Dial a listener, send one request and print the reply payload as JSON.

Examples:
  zoquete send ping
  zoquete send echo '{"hello":"world"}' --addr 127.0.0.1:7400
  zoquete send echo '[1,2,3]' --ws-url ws://127.0.0.1:7400/ws`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			var payload any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+cfg.Session.Transport.ConnectTimeout)
			defer cancel()

			var conn *session.Conn
			if strings.TrimSpace(wsURL) != "" {
				conn, err = session.DialWebSocket(ctx, wsURL, cfg.Session)
			} else {
				conn, err = session.Dial(ctx, cfg.Addr, cfg.Session)
			}
			if err != nil {
				return err
			}
			defer conn.Close()

			var reply any
			if err := conn.Request(ctx, args[0], payload, &reply, session.WithTimeout(timeout)); err != nil {
				return err
			}
			out, err := json.MarshalIndent(reply, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listener address (overrides config)")
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "dial a WebSocket listener instead, e.g. ws://host:port/ws")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
