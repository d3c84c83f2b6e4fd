// Package https carries PIN/TAN messages as HTTP POST bodies.
package https

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/platform/ratelimit"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ ports.Transport = (*Transport)(nil)

const (
	FilterBase64 = "Base64"
	FilterNone   = "None"

	maxResponseBytes      = 16 << 20
	defaultRequestTimeout = 60 * time.Second
)

var ErrProxyAuth = errors.New("proxy authentication required")

type Options struct {
	URL        string
	FilterType string
	// ProxyURL is an HTTP(S) proxy. Credentials may be set here or asked for
	// through Callback when the proxy answers 407.
	ProxyURL       string
	ProxyUser      string
	ProxyPass      string
	Callback       ports.Callback
	Limiter        *ratelimit.HostLimiter
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

type Transport struct {
	endpoint *url.URL
	filter   string
	callback ports.Callback
	limiter  *ratelimit.HostLimiter
	timeout  time.Duration
	logger   *slog.Logger
	client   *http.Client

	mu    sync.Mutex
	proxy *url.URL
}

func New(opts Options) (*Transport, error) {
	endpoint, err := url.Parse(strings.TrimSpace(opts.URL))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint url: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("parse endpoint url: %q is not absolute", opts.URL)
	}

	filter, err := parseFilter(opts.FilterType)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		endpoint: endpoint,
		filter:   filter,
		callback: opts.Callback,
		limiter:  opts.Limiter,
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger,
		client:   opts.HTTPClient,
	}
	if t.timeout <= 0 {
		t.timeout = defaultRequestTimeout
	}
	if t.logger == nil {
		t.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if opts.ProxyUser != "" {
			proxy.User = url.UserPassword(opts.ProxyUser, opts.ProxyPass)
		}
		t.proxy = proxy
	}
	if t.client == nil {
		t.client = &http.Client{Transport: &http.Transport{Proxy: t.proxyFor}}
	}
	return t, nil
}

func parseFilter(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "base64":
		return FilterBase64, nil
	case "none":
		return FilterNone, nil
	default:
		return "", fmt.Errorf("unknown filter type %q", raw)
	}
}

func (t *Transport) proxyFor(*http.Request) (*url.URL, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proxy == nil {
		return nil, nil
	}
	p := *t.proxy
	return &p, nil
}

// Exchange posts msg and returns the decoded reply. A 407 from the proxy
// asks for credentials once and retries.
func (t *Transport) Exchange(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := t.limiter.Wait(ctx, t.endpoint.Hostname()); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}

	body := t.encode(msg)
	resp, err := t.post(ctx, body)
	if errors.Is(err, ErrProxyAuth) && t.canAskProxy() {
		if askErr := t.askProxyCredentials(ctx); askErr != nil {
			return nil, askErr
		}
		resp, err = t.post(ctx, body)
	}
	if err != nil {
		return nil, err
	}
	return t.decode(resp)
}

func (t *Transport) post(ctx context.Context, body []byte) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return nil, ErrProxyAuth
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("post message: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	t.logger.Debug("exchanged message", "host", t.endpoint.Hostname(), "sent", len(body), "received", len(data))
	return data, nil
}

func (t *Transport) canAskProxy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proxy != nil && t.callback != nil
}

func (t *Transport) askProxyCredentials(ctx context.Context) error {
	user, err := t.callback.Ask(ctx, domain.CallbackRequest{Reason: domain.ReasonNeedProxyUser, Prompt: "Proxy user", Kind: domain.AnswerText})
	if err != nil {
		return fmt.Errorf("ask proxy user: %w", err)
	}
	pass, err := t.callback.Ask(ctx, domain.CallbackRequest{Reason: domain.ReasonNeedProxyPass, Prompt: "Proxy password", Kind: domain.AnswerSecret})
	if err != nil {
		return fmt.Errorf("ask proxy password: %w", err)
	}
	if user == "" {
		return fmt.Errorf("%w: proxy user", domain.ErrEmptyCredential)
	}

	t.mu.Lock()
	t.proxy.User = url.UserPassword(user, pass)
	t.mu.Unlock()

	if tr, ok := t.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	return nil
}

func (t *Transport) encode(msg []byte) []byte {
	if t.filter == FilterNone {
		return msg
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(msg)))
	base64.StdEncoding.Encode(out, msg)
	return out
}

func (t *Transport) decode(data []byte) ([]byte, error) {
	if t.filter == FilterNone {
		return data, nil
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, string(data))
	out, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode base64 reply: %w", err)
	}
	return out, nil
}

func (t *Transport) Close() error {
	if tr, ok := t.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	return nil
}
