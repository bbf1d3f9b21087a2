package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/zoquete/internal/observability"
	"github.com/danmuck/zoquete/internal/protocol/session"
	"github.com/danmuck/zoquete/internal/transport"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func listenCmd(configPath *string) *cobra.Command {
	var (
		addr        string
		metricsAddr string
		websocket   bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept connections and serve ping/echo",
		Long: `Accept connections and serve the built-in events:

  ping   replies {"pong": true, "conn": <id>, "at": <unix ms>}
  echo   replies with the request payload

Examples:
  zoquete listen --addr 127.0.0.1:7400
  zoquete listen --websocket --metrics-addr 127.0.0.1:9400
  zoquete -c zoquete.toml listen`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cfg.Addr, cfg.MetricsAddr, websocket, cfg.Session)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&websocket, "websocket", false, "accept WebSocket upgrades on /ws instead of raw streams")
	return cmd
}

func runListen(ctx context.Context, addr, metricsAddr string, websocket bool, cfg session.Config) error {
	g, ctx := errgroup.WithContext(ctx)

	if strings.TrimSpace(metricsAddr) != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		serveHTTP(ctx, g, &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, false)
		log.Info().Str("addr", metricsAddr).Msg("zoquete metrics listening")
	}

	if websocket {
		if err := cfg.Transport.ValidateServerTransport(); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/ws", session.WebSocketHandler(cfg, registerHandlers))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		if cfg.Transport.TLS.Enabled {
			tlsCfg, err := cfg.Transport.ServerTLSConfig()
			if err != nil {
				return err
			}
			srv.TLSConfig = tlsCfg
		}
		serveHTTP(ctx, g, srv, cfg.Transport.TLS.Enabled)
		log.Info().Str("addr", addr).Bool("tls", cfg.Transport.TLS.Enabled).Msg("zoquete websocket listening")
		return g.Wait()
	}

	ln, err := transport.Listen(addr, cfg.Transport)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", cfg.Transport.TLS.Enabled).Msg("zoquete listening")
	g.Go(func() error {
		return session.Serve(ctx, ln, cfg, registerHandlers)
	})
	return g.Wait()
}

func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, useTLS bool) {
	g.Go(func() error {
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
