package session

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/danmuck/zoquete/internal/transport"
	"github.com/rs/zerolog/log"
)

// Dial connects to addr and returns an open Conn.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	c := New(cfg)
	c.role = roleDialer
	c.connecting()

	raw, err := transport.Dial(ctx, addr, cfg.Transport)
	if err != nil {
		c.shutdown(StateFailed, err)
		return nil, err
	}
	c.peer = transport.PeerIdentity(raw)
	if err := c.Start(raw); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// DialWebSocket is Dial over a ws:// or wss:// url.
func DialWebSocket(ctx context.Context, url string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	c := New(cfg)
	c.role = roleDialer
	c.connecting()

	stream, err := transport.DialWebSocket(ctx, url, cfg.Transport)
	if err != nil {
		c.shutdown(StateFailed, err)
		return nil, err
	}
	if err := c.Start(stream); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return c, nil
}

// Serve accepts streams from ln until ctx is done or ln fails. Each stream
// becomes a Conn handed to onConn just before it opens, so handlers
// registered there see the first inbound frame; sends must wait for Open.
// When Serve returns every Conn it produced has been closed.
func Serve(ctx context.Context, ln net.Listener, cfg Config, onConn func(*Conn)) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Transport.ValidateServerTransport(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := newRegistry()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		cancel()
		reg.closeAll()
		wg.Wait()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveStream(ctx, raw, cfg, reg, onConn)
		}()
	}
}

func serveStream(ctx context.Context, raw net.Conn, cfg Config, reg *registry, onConn func(*Conn)) {
	if err := transport.Handshake(ctx, raw, cfg.Transport); err != nil {
		log.Warn().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("session.Serve handshake failed")
		_ = raw.Close()
		return
	}
	c := New(cfg)
	c.role = roleListener
	c.peer = transport.PeerIdentity(raw)
	if onConn != nil {
		onConn(c)
	}
	if err := c.Start(raw); err != nil {
		_ = raw.Close()
		return
	}
	reg.track(c)
	defer reg.untrack(c)
	if ctx.Err() != nil {
		_ = c.Close()
	}
	<-c.Done()
}

// WebSocketHandler serves Conns over websocket upgrades. Each Conn lives for
// the duration of its HTTP request.
func WebSocketHandler(cfg Config, onConn func(*Conn)) http.Handler {
	cfg = cfg.WithDefaults()
	return transport.WebSocketHandler(func(stream *transport.WebSocketStream) {
		c := New(cfg)
		c.role = roleListener
		if onConn != nil {
			onConn(c)
		}
		if err := c.Start(stream); err != nil {
			_ = stream.Close()
			return
		}
		<-c.Done()
	})
}

type registry struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func newRegistry() *registry {
	return &registry{conns: make(map[*Conn]struct{})}
}

func (r *registry) track(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *registry) untrack(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

func (r *registry) closeAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
