package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Dial opens a stream to addr, running the TLS handshake when enabled and
// retrying with backoff up to MaxConnectAttempts (0 retries forever).
func Dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		attempt++
		conn, err := dialOnce(ctx, addr, cfg)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !shouldRetry(cfg, attempt) {
			return nil, err
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Debug().
			Err(err).
			Str("addr", addr).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("dial failed, retrying")
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func shouldRetry(cfg Config, attempt int) bool {
	if cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.MaxConnectAttempts
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Listen opens a TCP or TLS listener per cfg.
func Listen(addr string, cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Handshake completes the server side of a TLS stream accepted from Listen.
// Plain streams pass through untouched.
func Handshake(ctx context.Context, conn net.Conn, cfg Config) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		if cfg.TLS.Enabled {
			return errors.New("transport: expected tls connection")
		}
		return nil
	}
	cfg = cfg.WithDefaults()
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return err
	}
	needPeer := cfg.TLS.Mutual || cfg.SecurityMode == SecurityModeProduction
	if needPeer && PeerIdentity(conn) == "" {
		return ErrMTLSRequired
	}
	return nil
}
