// Package socket carries messages over a raw TCP connection, optionally
// through a SOCKS5 proxy.
package socket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/bnema/hbci-go/internal/platform/ratelimit"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ ports.Transport = (*Transport)(nil)

const (
	defaultTimeout = 60 * time.Second
	maxFrameBytes  = 16 << 20
)

type Options struct {
	Address string
	// ProxyURL is a socks5:// URL; user info in the URL authenticates.
	ProxyURL string
	Framer   ports.Framer
	Limiter  *ratelimit.HostLimiter
	Timeout  time.Duration
	Logger   *slog.Logger
}

type Transport struct {
	address string
	host    string
	dialer  proxy.ContextDialer
	framer  ports.Framer
	limiter *ratelimit.HostLimiter
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func New(opts Options) (*Transport, error) {
	host, _, err := net.SplitHostPort(opts.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if opts.Framer == nil {
		return nil, fmt.Errorf("socket transport needs a framer")
	}

	t := &Transport{
		address: opts.Address,
		host:    host,
		framer:  opts.Framer,
		limiter: opts.Limiter,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if t.timeout <= 0 {
		t.timeout = defaultTimeout
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	t.dialer, err = newDialer(opts.ProxyURL, t.timeout)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newDialer(rawProxy string, timeout time.Duration) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if rawProxy == "" {
		return direct, nil
	}

	u, err := url.Parse(rawProxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("parse proxy url: unsupported scheme %q", u.Scheme)
	}

	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("create socks5 dialer: dialer does not support contexts")
	}
	return cd, nil
}

// Exchange writes msg and reads one framed reply. The connection is opened
// on first use and kept until Close.
func (t *Transport) Exchange(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.limiter.Wait(ctx, t.host); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	reply, err := t.roundTrip(conn, msg)
	if err != nil {
		_ = conn.Close()
		t.conn = nil
		return nil, err
	}
	t.logger.Debug("exchanged message", "host", t.host, "sent", len(msg), "received", len(reply))
	return reply, nil
}

func (t *Transport) connLocked(ctx context.Context) (net.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.address, err)
	}
	t.conn = conn
	return conn, nil
}

func (t *Transport) roundTrip(conn net.Conn, msg []byte) ([]byte, error) {
	if _, err := conn.Write(msg); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	header := make([]byte, t.framer.HeaderSize())
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read reply header: %w", err)
	}
	total, err := t.framer.FrameLength(header)
	if err != nil {
		return nil, fmt.Errorf("read reply header: %w", err)
	}
	if total > maxFrameBytes {
		return nil, fmt.Errorf("read reply: frame of %d bytes exceeds limit", total)
	}

	reply := make([]byte, total)
	copy(reply, header)
	if _, err := io.ReadFull(conn, reply[len(header):]); err != nil {
		return nil, fmt.Errorf("read reply body: %w", err)
	}
	return reply, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
