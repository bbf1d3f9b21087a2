package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/zoquete/internal/protocol/session"
	"github.com/danmuck/zoquete/internal/testutil/testlog"
)

func TestBuiltinHandlers(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := net.Pipe()
	server := session.New(session.DefaultConfig())
	registerHandlers(server)
	client := session.New(session.DefaultConfig())
	if err := server.Start(b); err != nil {
		t.Fatalf("start server: %v", err)
	}
	if err := client.Start(a); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer server.Close()
	defer client.Close()

	var p pong
	if err := client.Request(ctx, "ping", nil, &p); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !p.Pong || p.Conn != server.ID() {
		t.Fatalf("unexpected pong=%+v", p)
	}

	var echoed map[string]any
	if err := client.Request(ctx, "echo", map[string]any{"hello": "world"}, &echoed); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if echoed["hello"] != "world" {
		t.Fatalf("unexpected echo=%v", echoed)
	}
}

func TestVersionCommand(t *testing.T) {
	testlog.Start(t)
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("version got=%q", out.String())
	}
}
