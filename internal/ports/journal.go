package ports

import (
	"context"

	"github.com/bnema/hbci-go/internal/domain"
)

type Journal interface {
	Record(ctx context.Context, entry domain.JournalEntry) error
	List(ctx context.Context, limit int) ([]domain.JournalEntry, error)
}
