package application

import (
	"context"
	"fmt"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/ports"
)

func (h *Handler) keyStore() (passport.KeyStore, error) {
	store, ok := h.sec.(passport.KeyStore)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoKeyStorage, h.sec.Variant())
	}
	return store, nil
}

// LockKeys tells the institute to lock the user's keys and drops them locally.
func (h *Handler) LockKeys(ctx context.Context) error {
	store, err := h.keyStore()
	if err != nil {
		return fmt.Errorf("lock keys: %w", err)
	}
	if _, err := h.runStandalone(ctx, h.CreateEmptyDialog("").withPurpose(ports.PurposeLockKeys)); err != nil {
		return fmt.Errorf("lock keys: %w", err)
	}
	store.LockKeys()
	if err := h.sec.Save(ctx); err != nil {
		return fmt.Errorf("lock keys: %w", err)
	}
	return nil
}

// NewKeys generates fresh user keys and submits them.
func (h *Handler) NewKeys(ctx context.Context) error {
	store, err := h.keyStore()
	if err != nil {
		return fmt.Errorf("new keys: %w", err)
	}
	keys, err := store.GenerateKeys()
	if err != nil {
		return fmt.Errorf("new keys: %w", err)
	}
	if err := h.submitKeys(ctx, store, keys); err != nil {
		return fmt.Errorf("new keys: %w", err)
	}
	return nil
}

// SetKeys submits caller-provided user keys.
func (h *Handler) SetKeys(ctx context.Context, keys passport.KeyPairs) error {
	store, err := h.keyStore()
	if err != nil {
		return fmt.Errorf("set keys: %w", err)
	}
	if err := h.submitKeys(ctx, store, keys); err != nil {
		return fmt.Errorf("set keys: %w", err)
	}
	return nil
}

// submitKeys installs keys, since the submission is signed with them, and
// persists them only once the institute accepted the submission.
func (h *Handler) submitKeys(ctx context.Context, store passport.KeyStore, keys passport.KeyPairs) error {
	if keys.Sig == nil || keys.Enc == nil {
		return fmt.Errorf("both key pairs are required")
	}
	sig, err := passport.EncodePublicKey(&keys.Sig.PublicKey)
	if err != nil {
		return err
	}
	enc, err := passport.EncodePublicKey(&keys.Enc.PublicKey)
	if err != nil {
		return err
	}
	if err := store.SetUserKeys(keys); err != nil {
		return err
	}

	d := h.CreateEmptyDialog("").withPurpose(ports.PurposeUserKeys,
		domain.Value{Name: ports.ValueMySigKey, Value: sig},
		domain.Value{Name: ports.ValueMyEncKey, Value: enc},
	)
	if _, err := h.runStandalone(ctx, d); err != nil {
		return fmt.Errorf("submit user keys: %w", err)
	}
	return h.sec.Save(ctx)
}
