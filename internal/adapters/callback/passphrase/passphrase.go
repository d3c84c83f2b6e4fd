// Package passphrase answers state file passphrase questions from a secret
// store and remembers what the user types.
package passphrase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ ports.Callback = (*Callback)(nil)

// Key is the secret store key of a profile's passphrase.
func Key(profile string) string {
	return "hbci/" + profile + "/passphrase"
}

type Callback struct {
	inner  ports.Callback
	store  ports.SecretStore
	key    string
	logger *slog.Logger

	mu      sync.Mutex
	offered bool
}

func New(inner ports.Callback, store ports.SecretStore, key string, logger *slog.Logger) *Callback {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Callback{inner: inner, store: store, key: key, logger: logger}
}

// Ask serves a stored passphrase once. Being asked again means it was
// rejected, so it is dropped and the inner callback is asked instead.
func (c *Callback) Ask(ctx context.Context, req domain.CallbackRequest) (string, error) {
	switch req.Reason {
	case domain.ReasonNeedPassphraseLoad:
		if value, ok := c.stored(ctx); ok {
			return value, nil
		}
		return c.askAndRemember(ctx, req)
	case domain.ReasonNeedPassphraseSave:
		return c.askAndRemember(ctx, req)
	default:
		return c.askInner(ctx, req)
	}
}

func (c *Callback) stored(ctx context.Context) (string, bool) {
	c.mu.Lock()
	offered := c.offered
	c.offered = true
	c.mu.Unlock()

	if offered {
		if err := c.store.Delete(ctx, c.key); err != nil {
			c.logger.Warn("could not drop rejected passphrase", "key", c.key, "error", err)
		}
		return "", false
	}

	value, err := c.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, domain.ErrSecretNotFound) {
			c.logger.Warn("could not read stored passphrase", "key", c.key, "error", err)
		}
		return "", false
	}
	return value, value != ""
}

func (c *Callback) askAndRemember(ctx context.Context, req domain.CallbackRequest) (string, error) {
	value, err := c.askInner(ctx, req)
	if err != nil || value == "" {
		return value, err
	}
	if err := c.store.Put(ctx, c.key, value); err != nil {
		c.logger.Warn("could not store passphrase", "key", c.key, "error", err)
	}
	return value, nil
}

func (c *Callback) askInner(ctx context.Context, req domain.CallbackRequest) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("%w: cannot ask for %s", domain.ErrMissingCallback, req.Reason)
	}
	return c.inner.Ask(ctx, req)
}
