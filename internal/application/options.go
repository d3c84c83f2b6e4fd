package application

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/platform/metrics"
	"github.com/bnema/hbci-go/internal/ports"
)

const defaultMaxWait = 300 * time.Second

type Option func(*Handler)

// WithVersion selects the protocol version. Without it the context's stored version is reused.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
		h.versionSet = true
	}
}

// WithCallback replaces the callback the security context was opened with.
func WithCallback(cb ports.Callback) Option {
	return func(h *Handler) {
		h.inner = cb
		h.innerSet = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithRegistry(registry *Registry) Option {
	return func(h *Handler) {
		if registry != nil {
			h.registry = registry
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func WithFaultPolicy(policy FaultPolicy) Option {
	return func(h *Handler) {
		h.policy = policy
	}
}

// WithIgnoreCreateErrors makes NewJob log factory failures instead of returning them.
func WithIgnoreCreateErrors(ignore bool) Option {
	return func(h *Handler) {
		h.ignoreCreateErrors = ignore
	}
}

func WithClock(clock ports.Clock) Option {
	return func(h *Handler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func WithJournal(journal ports.Journal) Option {
	return func(h *Handler) {
		h.journal = journal
	}
}

// WithMaxWait bounds every wait of a threaded handoff.
func WithMaxWait(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.maxWait = d
		}
	}
}

func WithRedactor(r passport.Redactor) Option {
	return func(h *Handler) {
		h.redactor = r
	}
}

func WithPainGenerator(gen ports.PainGenerator) Option {
	return func(h *Handler) {
		h.pain = gen
	}
}

// WithIDGenerator overrides the execution id source.
func WithIDGenerator(gen func() string) Option {
	return func(h *Handler) {
		if gen != nil {
			h.newID = gen
		}
	}
}

func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
