package transport

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/zoquete/internal/testutil/testlog"
	"github.com/danmuck/zoquete/internal/testutil/tlstest"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	cases := map[int]time.Duration{
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := NextBackoffDelay(cfg, attempt, nil); got != want {
			t.Fatalf("attempt%d got=%v want=%v", attempt, got, want)
		}
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestValidateClientTransport(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"development plain", Config{}, nil},
		{"bad mode", Config{SecurityMode: "staging"}, ErrInvalidSecurityMode},
		{"production plain", Config{SecurityMode: SecurityModeProduction}, ErrTLSRequired},
		{"production tls only", Config{SecurityMode: SecurityModeProduction, TLS: TLSConfig{Enabled: true, CAFile: "ca"}}, ErrMTLSRequired},
		{"production skip verify", Config{
			SecurityMode: SecurityModeProduction,
			TLS:          TLSConfig{Enabled: true, Mutual: true, InsecureSkipVerify: true},
		}, ErrTLSInsecureSkipNotAllow},
		{"mutual without tls", Config{TLS: TLSConfig{Mutual: true}}, ErrTLSRequired},
		{"tls without ca", Config{TLS: TLSConfig{Enabled: true}}, ErrTLSCAFileRequired},
		{"mutual without cert", Config{TLS: TLSConfig{Enabled: true, Mutual: true, CAFile: "ca"}}, ErrTLSCertFileRequired},
		{"mutual without key", Config{TLS: TLSConfig{Enabled: true, Mutual: true, CAFile: "ca", CertFile: "c"}}, ErrTLSKeyFileRequired},
		{"mutual complete", Config{TLS: TLSConfig{Enabled: true, Mutual: true, CAFile: "ca", CertFile: "c", KeyFile: "k"}}, nil},
	}
	for _, tc := range cases {
		err := tc.cfg.ValidateClientTransport()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected err=%v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got=%v", tc.name, tc.want, err)
		}
	}
}

func TestValidateServerTransport(t *testing.T) {
	testlog.Start(t)
	if err := (Config{SecurityMode: SecurityModeProduction}).ValidateServerTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got=%v", err)
	}
	if err := (Config{TLS: TLSConfig{Enabled: true, KeyFile: "k"}}).ValidateServerTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got=%v", err)
	}
	if err := (Config{TLS: TLSConfig{Enabled: true, Mutual: true, CertFile: "c", KeyFile: "k"}}).ValidateServerTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got=%v", err)
	}
}

func TestWithDefaultsNormalizesMode(t *testing.T) {
	testlog.Start(t)
	cfg := Config{SecurityMode: "  Production "}.WithDefaults()
	if cfg.SecurityMode != SecurityModeProduction {
		t.Fatalf("mode got=%q", cfg.SecurityMode)
	}
	if cfg.ConnectTimeout <= 0 || cfg.HandshakeTimeout <= 0 || cfg.Backoff.InitialDelay <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestDialAndListenMutualTLS(t *testing.T) {
	testlog.Start(t)
	b := tlstest.NewBundle(t, "client.alpha")

	serverCfg := Config{TLS: TLSConfig{Enabled: true, Mutual: true, CertFile: b.ServerCert, KeyFile: b.ServerKey, CAFile: b.CAFile}}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			peer <- "accept: " + err.Error()
			return
		}
		defer conn.Close()
		if err := Handshake(ctx, conn, serverCfg); err != nil {
			peer <- "handshake: " + err.Error()
			return
		}
		peer <- PeerIdentity(conn)
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err == nil {
			_, _ = conn.Write(buf)
		}
	}()

	clientCfg := Config{TLS: TLSConfig{
		Enabled:    true,
		Mutual:     true,
		CertFile:   b.ClientCert,
		KeyFile:    b.ClientKey,
		CAFile:     b.CAFile,
		ServerName: b.ServerName,
	}}
	conn, err := Dial(ctx, ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if got := PeerIdentity(conn); got != "localhost" {
		t.Fatalf("server identity got=%q", got)
	}
	if got := <-peer; got != "client.alpha" {
		t.Fatalf("client identity got=%q", got)
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo got=%q", buf)
	}
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := Config{
		MaxConnectAttempts: 2,
		Backoff:            BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	if _, err := Dial(context.Background(), addr, cfg); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestPeerIdentityPlainConn(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if got := PeerIdentity(a); got != "" {
		t.Fatalf("plain conn identity got=%q", got)
	}
}

func TestWebSocketStreamSpansMessages(t *testing.T) {
	testlog.Start(t)
	received := make(chan string, 1)
	srv := httptest.NewServer(WebSocketHandler(func(s *WebSocketStream) {
		defer s.Close()
		buf := make([]byte, 11)
		if _, err := io.ReadFull(s, buf); err != nil {
			received <- "read: " + err.Error()
			return
		}
		received <- string(buf)
		_, _ = s.Write([]byte("ok"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream, err := DialWebSocket(ctx, url, Config{})
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer stream.Close()

	for _, part := range []string{"hel", "lo wo", "rl", "d"} {
		if _, err := stream.Write([]byte(part)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := <-received; got != "hello world" {
		t.Fatalf("server read got=%q", got)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf) != "ok" {
		t.Fatalf("reply got=%q", buf)
	}
}
