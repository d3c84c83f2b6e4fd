package ports

import (
	"context"

	"github.com/bnema/hbci-go/internal/domain"
)

// Callback answers interactive questions raised while a dialog runs.
type Callback interface {
	Ask(ctx context.Context, req domain.CallbackRequest) (string, error)
}

type CallbackFunc func(ctx context.Context, req domain.CallbackRequest) (string, error)

func (f CallbackFunc) Ask(ctx context.Context, req domain.CallbackRequest) (string, error) {
	return f(ctx, req)
}
