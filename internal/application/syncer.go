package application

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/hbci-go/internal/domain"
)

const (
	mainSyncerKey   = "thread_syncer_main"
	workerSyncerKey = "thread_syncer_worker"
)

// ThreadSyncer is a named two-party rendezvous. Send blocks until the peer
// receives, so only one side runs at a time; both waits are bounded.
type ThreadSyncer[T any] struct {
	name string
	ch   chan T
}

func NewThreadSyncer[T any](name string) *ThreadSyncer[T] {
	return &ThreadSyncer[T]{name: name, ch: make(chan T)}
}

func (s *ThreadSyncer[T]) Name() string {
	return s.name
}

func (s *ThreadSyncer[T]) Send(ctx context.Context, v T, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- v:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s send after %s", domain.ErrHandoffTimeout, s.name, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ThreadSyncer[T]) Receive(ctx context.Context, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-s.ch:
		return v, nil
	case <-timer.C:
		return zero, fmt.Errorf("%w: %s receive after %s", domain.ErrHandoffTimeout, s.name, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// handoff is what the worker hands to the caller: a question or the final result.
type handoff struct {
	request *domain.CallbackRequest
	status  *domain.ExecStatus
	err     error
}

type answer struct {
	value string
	err   error
}
