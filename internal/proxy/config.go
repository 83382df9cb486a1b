package proxy

import (
	"net"
	"time"

	"github.com/valet-proxy/valet/internal/dialer"
	"github.com/valet-proxy/valet/internal/socks5"
)

const (
	// DefaultFieldTimeout bounds each handshake frame read. Exceeding it
	// aborts the connection without a reply.
	DefaultFieldTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds the outbound connect to the CONNECT
	// target. Generous because CAPTCHA API endpoints can be slow to
	// accept under load.
	DefaultConnectTimeout = 60 * time.Second

	// DefaultIdleTimeout ends a relay direction after this long without
	// a successful read on it.
	DefaultIdleTimeout = 120 * time.Second
)

type Config struct {
	FieldTimeout   time.Duration
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration

	KeepAlive net.KeepAliveConfig

	// Dialer establishes outbound connections to CONNECT targets. Nil
	// means a direct dialer bounded by ConnectTimeout.
	Dialer dialer.Dialer

	// Creds authorizes RFC1929 subnegotiation. Required.
	Creds socks5.CredentialChecker
}

func (c Config) withDefaults() Config {
	if c.FieldTimeout <= 0 {
		c.FieldTimeout = DefaultFieldTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{
			DialTimeout: c.ConnectTimeout,
			KeepAlive:   c.KeepAlive,
		})
	}
	return c
}
