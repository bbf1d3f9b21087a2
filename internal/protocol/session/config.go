package session

import (
	"time"

	"github.com/danmuck/zoquete/internal/protocol/frame"
	"github.com/danmuck/zoquete/internal/protocol/message"
	"github.com/danmuck/zoquete/internal/transport"
)

// Config defines connection reliability and framing defaults.
type Config struct {
	// RequestTimeout bounds each Send unless WithTimeout overrides it.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// IdleTimeout fails the connection when nothing is read for this long.
	// Zero disables it.
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	WriteQueueSize  int
	ReadBufferSize  int
	ErrorBufferSize int
	LateReplyTTL    time.Duration

	DecodeMode message.DecodeMode
	Encoding   string
	Limits     frame.Limits

	Transport transport.Config
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:  30 * time.Second,
		WriteTimeout:    15 * time.Second,
		SweepInterval:   time.Second,
		WriteQueueSize:  256,
		ReadBufferSize:  32 * 1024,
		ErrorBufferSize: 64,
		LateReplyTTL:    time.Minute,
		DecodeMode:      message.DecodeLenient,
		Encoding:        message.EncodingJSON,
		Limits:          frame.DefaultLimits(),
		Transport:       transport.DefaultConfig(),
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = def.WriteQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.ErrorBufferSize <= 0 {
		c.ErrorBufferSize = def.ErrorBufferSize
	}
	if c.LateReplyTTL <= 0 {
		c.LateReplyTTL = def.LateReplyTTL
	}
	if c.DecodeMode == "" {
		c.DecodeMode = def.DecodeMode
	}
	if c.Encoding == "" {
		c.Encoding = def.Encoding
	}
	c.Limits = c.Limits.WithDefaults()
	c.Transport = c.Transport.WithDefaults()
	return c
}
