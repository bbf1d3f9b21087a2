package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/zoquete/internal/protocol/message"
	"github.com/danmuck/zoquete/internal/protocol/session"
	"github.com/danmuck/zoquete/internal/transport"
)

// Config is one node's runtime configuration.
type Config struct {
	Addr        string
	MetricsAddr string
	Session     session.Config
}

func Default() Config {
	return Config{
		Addr:    "127.0.0.1:7400",
		Session: session.DefaultConfig(),
	}
}

type fileConfig struct {
	Addr           string        `toml:"addr"`
	Encoding       string        `toml:"encoding"`
	DecodeMode     string        `toml:"decode_mode"`
	RequestTimeout string        `toml:"request_timeout"`
	WriteTimeout   string        `toml:"write_timeout"`
	IdleTimeout    string        `toml:"idle_timeout"`
	SweepInterval  string        `toml:"sweep_interval"`
	LateReplyTTL   string        `toml:"late_reply_ttl"`
	WriteQueueSize int           `toml:"write_queue_size"`
	MaxBodyBytes   int64         `toml:"max_body_bytes"`
	Transport      fileTransport `toml:"transport"`
	Metrics        fileMetrics   `toml:"metrics"`
}

type fileTransport struct {
	SecurityMode       string  `toml:"security_mode"`
	ConnectTimeout     string  `toml:"connect_timeout"`
	HandshakeTimeout   string  `toml:"handshake_timeout"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	TLS                fileTLS `toml:"tls"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileMetrics struct {
	Addr string `toml:"addr"`
}

// Load overlays the keys present in the TOML file at path onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}

	s := &cfg.Session
	if meta.IsDefined("encoding") {
		enc, err := message.EncodingByName(raw.Encoding)
		if err != nil {
			return Config{}, fmt.Errorf("parse encoding: %w", err)
		}
		s.Encoding = enc.Name()
	}
	if meta.IsDefined("decode_mode") {
		mode, err := message.ParseDecodeMode(raw.DecodeMode)
		if err != nil {
			return Config{}, fmt.Errorf("parse decode_mode: %w", err)
		}
		s.DecodeMode = mode
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"request_timeout"}, raw.RequestTimeout, &s.RequestTimeout},
		{[]string{"write_timeout"}, raw.WriteTimeout, &s.WriteTimeout},
		{[]string{"idle_timeout"}, raw.IdleTimeout, &s.IdleTimeout},
		{[]string{"sweep_interval"}, raw.SweepInterval, &s.SweepInterval},
		{[]string{"late_reply_ttl"}, raw.LateReplyTTL, &s.LateReplyTTL},
		{[]string{"transport", "connect_timeout"}, raw.Transport.ConnectTimeout, &s.Transport.ConnectTimeout},
		{[]string{"transport", "handshake_timeout"}, raw.Transport.HandshakeTimeout, &s.Transport.HandshakeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("write_queue_size") {
		s.WriteQueueSize = raw.WriteQueueSize
	}
	if meta.IsDefined("max_body_bytes") {
		if raw.MaxBodyBytes <= 0 || raw.MaxBodyBytes > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("parse max_body_bytes: out of range: %d", raw.MaxBodyBytes)
		}
		s.Limits.MaxBodyBytes = uint32(raw.MaxBodyBytes)
	}

	t := &s.Transport
	if meta.IsDefined("transport", "security_mode") {
		t.SecurityMode = transport.NormalizeSecurityMode(transport.SecurityMode(raw.Transport.SecurityMode))
	}
	if meta.IsDefined("transport", "max_connect_attempts") {
		t.MaxConnectAttempts = raw.Transport.MaxConnectAttempts
	}
	if meta.IsDefined("transport", "tls") {
		tls := raw.Transport.TLS
		t.TLS = transport.TLSConfig{
			Enabled:            tls.Enabled,
			Mutual:             tls.Mutual,
			CertFile:           strings.TrimSpace(tls.CertFile),
			KeyFile:            strings.TrimSpace(tls.KeyFile),
			CAFile:             strings.TrimSpace(tls.CAFile),
			ServerName:         strings.TrimSpace(tls.ServerName),
			InsecureSkipVerify: tls.InsecureSkipVerify,
		}
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if cfg.Session.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if cfg.Session.WriteQueueSize < 0 {
		return fmt.Errorf("write_queue_size must not be negative")
	}
	return nil
}
