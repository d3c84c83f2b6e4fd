// Package logfilter keeps credentials and account identifiers out of log output.
package logfilter

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bnema/hbci-go/internal/domain"
)

const redactedValue = "[REDACTED]"

var sensitiveKeyParts = []string{"pin", "tan", "passphrase", "password", "secret", "token"}

// Filter masks registered values whose class is at or below its level.
type Filter struct {
	mu      sync.RWMutex
	level   domain.FilterClass
	secrets map[string]domain.FilterClass
}

func New(level domain.FilterClass) *Filter {
	return &Filter{level: level, secrets: map[string]domain.FilterClass{}}
}

// AddSecret registers a value to mask. Empty values and FilterNone are ignored.
func (f *Filter) AddSecret(value string, class domain.FilterClass) {
	if f == nil || value == "" || class == domain.FilterNone {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if current, ok := f.secrets[value]; !ok || class < current {
		f.secrets[value] = class
	}
}

func (f *Filter) Level() domain.FilterClass {
	if f == nil {
		return domain.FilterNone
	}
	return f.level
}

func (f *Filter) Redact(s string) string {
	if f == nil || s == "" {
		return s
	}

	f.mu.RLock()
	values := make([]string, 0, len(f.secrets))
	for value, class := range f.secrets {
		if class <= f.level {
			values = append(values, value)
		}
	}
	f.mu.RUnlock()

	// longest first so that a secret containing another is masked whole
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, value := range values {
		s = strings.ReplaceAll(s, value, strings.Repeat("X", len(value)))
	}
	return s
}

func (f *Filter) WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &handler{next: next, filter: f}
}

type handler struct {
	next   slog.Handler
	filter *Filter
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.filter.Redact(rec.Message), rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, h.sanitize(attr))
	}
	return &handler{next: h.next.WithAttrs(sanitized), filter: h.filter}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{next: h.next.WithGroup(name), filter: h.filter}
}

func (h *handler) sanitize(attr slog.Attr) slog.Attr {
	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.filter.Redact(value.String()))
	case slog.KindGroup:
		group := value.Group()
		sanitized := make([]any, 0, len(group))
		for _, member := range group {
			sanitized = append(sanitized, h.sanitize(member))
		}
		return slog.Group(attr.Key, sanitized...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.String(attr.Key, h.filter.Redact(err.Error()))
		}
		return attr
	default:
		return attr
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range sensitiveKeyParts {
		if lower == part || strings.HasSuffix(lower, "_"+part) {
			return true
		}
	}
	return false
}
