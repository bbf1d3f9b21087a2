package main

import (
	"context"
	"time"

	"github.com/danmuck/zoquete/internal/protocol/dispatch"
	"github.com/danmuck/zoquete/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

type pong struct {
	Pong bool   `json:"pong" codec:"pong"`
	Conn string `json:"conn" codec:"conn"`
	At   int64  `json:"at" codec:"at"`
}

// registerHandlers installs the listener's built-in events.
func registerHandlers(c *session.Conn) {
	c.On("ping", func(context.Context, *dispatch.Request) (any, error) {
		return pong{Pong: true, Conn: c.ID(), At: time.Now().UnixMilli()}, nil
	})
	c.On("echo", func(_ context.Context, req *dispatch.Request) (any, error) {
		var v any
		if err := req.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	})
	log.Info().Str("conn", c.ID()).Str("peer", c.Peer()).Msg("zoquete accepted connection")
}
