package ftp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ftptree/ftp/internal/ratelimit"
)

// Option is a functional option for configuring a client session.
type Option func(*Client) error

// tlsMode represents the TLS mode of the control connection.
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

// WithTimeout sets the timeout for connection establishment and for every
// subsequent command reply and data-channel operation.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithIdleTimeout enables keep-alive: when the session has been idle longer
// than the given duration, a NOOP is sent automatically. Zero disables it.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		c.idleTimeout = timeout
		return nil
	}
}

// WithExplicitTLS enables explicit TLS (AUTH TLS on the standard port).
// The config should carry the ServerName for certificate validation. A
// session cache is added when absent so data connections can reuse the
// control channel's TLS session, which many servers require.
func WithExplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeImplicit {
			return fmt.Errorf("explicit TLS cannot be combined with implicit TLS")
		}
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		c.tlsConfig = config
		c.tlsMode = tlsModeExplicit
		return nil
	}
}

// WithImplicitTLS enables implicit TLS (direct TLS, typically port 990).
// Legacy mode, still used by some servers.
func WithImplicitTLS(config *tls.Config) Option {
	return func(c *Client) error {
		if c.tlsMode == tlsModeExplicit {
			return fmt.Errorf("implicit TLS cannot be combined with explicit TLS")
		}
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		}
		c.tlsConfig = config
		c.tlsMode = tlsModeImplicit
		return nil
	}
}

// WithLogger enables debug logging of every command and reply.
//
// Example:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	client, _ := ftp.Dial("ftp.example.com:21", ftp.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithDialer sets a custom dialer for the control and data connections.
// Useful for source-address binding or custom keep-alive settings.
func WithDialer(dialer Dialer) Option {
	return func(c *Client) error {
		c.dialer = dialer
		return nil
	}
}

// WithProxy routes the control and data connections through a SOCKS5 proxy.
// auth may be nil for an unauthenticated proxy.
func WithProxy(addr string, auth *proxy.Auth) Option {
	return func(c *Client) error {
		d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		c.dialer = d
		return nil
	}
}

// WithActiveMode starts the session in active mode (PORT/EPRT): the client
// listens and the server connects back for each transfer. Most callers
// should keep the passive default; active mode rarely works behind NAT.
// SetPassiveMode can flip the setting later.
func WithActiveMode() Option {
	return func(c *Client) error {
		c.activeMode = true
		return nil
	}
}

// WithDisableEPSV forces PASV instead of trying EPSV first, for servers or
// firewalls that mishandle EPSV.
func WithDisableEPSV() Option {
	return func(c *Client) error {
		c.disableEPSV = true
		return nil
	}
}

// WithMaxTransferRate throttles data transfers, in both directions, to the
// given number of bytes per second. Zero or negative disables throttling.
func WithMaxTransferRate(bytesPerSecond int64) Option {
	return func(c *Client) error {
		c.rate = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithProgress registers a callback receiving the cumulative byte count of
// each transfer as it proceeds. The callback runs on the transfer goroutine
// and must be fast.
func WithProgress(fn func(bytesTransferred int64)) Option {
	return func(c *Client) error {
		c.progress = fn
		return nil
	}
}
