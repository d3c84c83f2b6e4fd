package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bnema/hbci-go/internal/adapters/callback/console"
	"github.com/bnema/hbci-go/internal/adapters/callback/passphrase"
	"github.com/bnema/hbci-go/internal/adapters/callback/scripted"
	"github.com/bnema/hbci-go/internal/adapters/codec/segment"
	sqlitejournal "github.com/bnema/hbci-go/internal/adapters/journal/sqlite"
	tomlrepo "github.com/bnema/hbci-go/internal/adapters/repo/toml"
	chainstore "github.com/bnema/hbci-go/internal/adapters/secrets/chain"
	httpstransport "github.com/bnema/hbci-go/internal/adapters/transport/https"
	sockettransport "github.com/bnema/hbci-go/internal/adapters/transport/socket"
	"github.com/bnema/hbci-go/internal/application"
	"github.com/bnema/hbci-go/internal/config"
	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/platform/logfilter"
	"github.com/bnema/hbci-go/internal/platform/metrics"
	"github.com/bnema/hbci-go/internal/platform/ratelimit"
	"github.com/bnema/hbci-go/internal/ports"
)

var (
	errNoProfile        = errors.New("no bank profile configured")
	errProfileAmbiguous = errors.New("several bank profiles configured, pick one with --profile")
)

type app struct {
	cfg      config.Config
	profiles ports.ProfileRepository
	secrets  ports.SecretStore
	filter   *logfilter.Filter
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	limiter  *ratelimit.HostLimiter

	newCodec     func() (ports.MessageCodec, error)
	newTransport func(sec passport.SecurityContext, codec ports.MessageCodec, cb ports.Callback) (ports.Transport, error)
	openJournal  func() (ports.Journal, func() error, error)
	now          func() time.Time
}

func wireApp() (*app, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	v, err := config.New(homeDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromViper(homeDir, v)
	if err != nil {
		return nil, err
	}

	repo, err := tomlrepo.NewRepository(v)
	if err != nil {
		return nil, fmt.Errorf("wire profile repository: %w", err)
	}

	secretStore, err := chainstore.NewPassFirstWithFileFallback(cfg.SecretsDir)
	if err != nil {
		return nil, fmt.Errorf("wire secret store chain: %w", err)
	}

	filter := logfilter.New(cfg.LogFilter)
	logger, err := newLogger(os.Stderr, cfg, filter)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("wire metrics: %w", err)
	}

	a := &app{
		cfg:      cfg,
		profiles: repo,
		secrets:  secretStore,
		filter:   filter,
		logger:   logger,
		registry: registry,
		metrics:  m,
		limiter:  ratelimit.New(cfg.TransportRate, cfg.TransportBurst, 0),
		now:      time.Now,
	}
	a.newCodec = a.segmentCodec
	a.newTransport = a.networkTransport
	a.openJournal = a.sqliteJournal

	return a, nil
}

func newLogger(w io.Writer, cfg config.Config, filter *logfilter.Filter) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("config %s: %w", config.KeyLogLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(filter.WrapHandler(handler)), nil
}

func (a *app) segmentCodec() (ports.MessageCodec, error) {
	schema, err := segment.LoadSchemaFile(a.cfg.CodecSchema)
	if err != nil {
		return nil, fmt.Errorf("wire codec: %w", err)
	}
	return segment.New(schema), nil
}

// networkTransport picks HTTPS for PIN/TAN and a raw socket for the
// key-file, chip-card and anonymous variants.
func (a *app) networkTransport(sec passport.SecurityContext, codec ports.MessageCodec, cb ports.Callback) (ports.Transport, error) {
	ep := sec.Endpoint()
	if a.cfg.EndpointHost != "" {
		ep.Host = a.cfg.EndpointHost
	}
	if a.cfg.EndpointPort != 0 {
		ep.Port = a.cfg.EndpointPort
	}
	if ep.Host == "" {
		return nil, fmt.Errorf("wire transport: security context has no host")
	}

	if sec.Variant() == domain.VariantPinTan {
		t, err := httpstransport.New(httpstransport.Options{
			URL:            endpointURL(ep),
			FilterType:     ep.FilterType,
			ProxyURL:       a.cfg.ProxyURL,
			ProxyUser:      a.cfg.ProxyUser,
			ProxyPass:      a.cfg.ProxyPass,
			Callback:       cb,
			Limiter:        a.limiter,
			RequestTimeout: a.cfg.TransportTimeout,
			Logger:         a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("wire https transport: %w", err)
		}
		return t, nil
	}

	framer, ok := codec.(ports.Framer)
	if !ok {
		return nil, fmt.Errorf("wire socket transport: codec cannot frame messages")
	}
	if ep.Port == 0 {
		ep.Port = 3000
	}
	t, err := sockettransport.New(sockettransport.Options{
		Address:  ep.Address(),
		ProxyURL: a.cfg.ProxyURL,
		Framer:   framer,
		Limiter:  a.limiter,
		Timeout:  a.cfg.TransportTimeout,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("wire socket transport: %w", err)
	}
	return t, nil
}

// endpointURL turns "bank.example.com/fints" and a port into an https URL.
func endpointURL(ep domain.Endpoint) string {
	host, path, _ := strings.Cut(ep.Host, "/")
	if ep.Port != 0 && ep.Port != 443 {
		host += ":" + strconv.Itoa(ep.Port)
	}
	return "https://" + host + "/" + path
}

func (a *app) sqliteJournal() (ports.Journal, func() error, error) {
	if a.cfg.JournalPath == "" {
		return nil, func() error { return nil }, nil
	}
	j, err := sqlitejournal.Open(a.cfg.JournalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("wire journal: %w", err)
	}
	return j, j.Close, nil
}

func (a *app) profile(ctx context.Context, name string) (domain.Profile, error) {
	if name != "" {
		return a.profiles.GetByName(ctx, name)
	}

	profiles, err := a.profiles.List(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	switch len(profiles) {
	case 0:
		return domain.Profile{}, errNoProfile
	case 1:
		return profiles[0], nil
	default:
		return domain.Profile{}, errProfileAmbiguous
	}
}

// callback chains the terminal prompt behind an optional answer script and
// the stored passphrase of the profile.
func (a *app) callback(in io.Reader, out io.Writer, profile domain.Profile, answersPath string) (ports.Callback, error) {
	var cb ports.Callback = console.New(in, out)
	if answersPath != "" {
		script, err := scripted.LoadFile(answersPath)
		if err != nil {
			return nil, err
		}
		cb = script.WithFallback(cb)
	}
	return passphrase.New(cb, a.secrets, passphrase.Key(profile.Name), a.logger), nil
}

type session struct {
	app      *app
	profile  domain.Profile
	callback ports.Callback
	codec    ports.MessageCodec
	sec      passport.SecurityContext
}

func (a *app) openSession(ctx context.Context, in io.Reader, out io.Writer, profileName, answersPath string) (*session, error) {
	profile, err := a.profile(ctx, profileName)
	if err != nil {
		return nil, err
	}

	cb, err := a.callback(in, out, profile, answersPath)
	if err != nil {
		return nil, err
	}

	codec, err := a.newCodec()
	if err != nil {
		return nil, err
	}

	sec, err := passport.Open(ctx, profile.Variant, passport.Options{
		Path:       a.cfg.PassportPath(profile.PassportPath),
		Callback:   cb,
		Logger:     a.logger,
		Redactor:   a.filter,
		Retries:    a.cfg.PassportRetries,
		AtomicSave: a.cfg.AtomicSave,
		Endpoint: domain.Endpoint{
			Host: a.cfg.EndpointHost,
			Port: a.cfg.EndpointPort,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s security context: %w", profile.Variant, err)
	}

	return &session{app: a, profile: profile, callback: cb, codec: codec, sec: sec}, nil
}

// connect registers with the institute and returns a handler plus a close
// function that also releases the journal.
func (s *session) connect(ctx context.Context) (*application.Handler, func() error, error) {
	a := s.app

	transport, err := a.newTransport(s.sec, s.codec, s.callback)
	if err != nil {
		_ = s.sec.Close(ctx)
		return nil, nil, err
	}

	journal, closeJournal, err := a.openJournal()
	if err != nil {
		_ = transport.Close()
		_ = s.sec.Close(ctx)
		return nil, nil, err
	}

	opts := []application.Option{
		application.WithCallback(s.callback),
		application.WithLogger(a.logger),
		application.WithMetrics(a.metrics),
		application.WithFaultPolicy(a.cfg.Faults),
		application.WithIgnoreCreateErrors(a.cfg.IgnoreCreateErrors),
		application.WithMaxWait(a.cfg.CallbackTimeout),
		application.WithRedactor(a.filter),
	}
	if journal != nil {
		opts = append(opts, application.WithJournal(journal))
	}
	if s.profile.Version != "" {
		opts = append(opts, application.WithVersion(s.profile.Version))
	}

	h, err := application.New(ctx, s.sec, s.codec, transport, opts...)
	if err != nil {
		_ = closeJournal()
		_ = transport.Close()
		_ = s.sec.Close(ctx)
		return nil, nil, err
	}

	closeAll := func() error {
		return errors.Join(h.Close(context.WithoutCancel(ctx)), closeJournal())
	}
	return h, closeAll, nil
}
