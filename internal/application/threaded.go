package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/hbci-go/internal/domain"
)

type threadedRun struct {
	main    *ThreadSyncer[handoff]
	worker  *ThreadSyncer[answer]
	waiting bool
}

func (h *Handler) threadedActive() bool {
	h.threadMu.Lock()
	defer h.threadMu.Unlock()
	return h.run != nil
}

// ExecuteThreaded runs Execute on a worker goroutine. It returns as soon as
// the worker needs a callback answer or has finished. Answers are passed
// back with ContinueThreaded.
func (h *Handler) ExecuteThreaded(ctx context.Context) (domain.ThreadedStatus, error) {
	h.threadMu.Lock()
	if h.run != nil {
		h.threadMu.Unlock()
		return domain.ThreadedStatus{}, fmt.Errorf("execute threaded: an execution is already running")
	}
	run := &threadedRun{
		main:   NewThreadSyncer[handoff](mainSyncerKey),
		worker: NewThreadSyncer[answer](workerSyncerKey),
	}
	h.run = run
	h.threadMu.Unlock()

	h.sec.SetSideData(mainSyncerKey, run.main)
	h.sec.SetSideData(workerSyncerKey, run.worker)

	go h.threadedWorker(ctx, run)
	return h.awaitHandoff(ctx, run)
}

// ContinueThreaded answers the pending callback and waits for the next one
// or for the final status.
func (h *Handler) ContinueThreaded(ctx context.Context, value string) (domain.ThreadedStatus, error) {
	h.threadMu.Lock()
	run := h.run
	if run == nil || !run.waiting {
		h.threadMu.Unlock()
		return domain.ThreadedStatus{}, domain.ErrNoPendingHandoff
	}
	run.waiting = false
	h.threadMu.Unlock()

	if err := run.worker.Send(ctx, answer{value: value}, h.maxWait); err != nil {
		h.countHandoffTimeout(err)
		return domain.ThreadedStatus{}, fmt.Errorf("continue threaded: %w", err)
	}
	return h.awaitHandoff(ctx, run)
}

func (h *Handler) threadedWorker(ctx context.Context, run *threadedRun) {
	status, err := h.Execute(ctx)

	h.sec.DeleteSideData(mainSyncerKey)
	h.sec.DeleteSideData(workerSyncerKey)

	if sendErr := run.main.Send(ctx, handoff{status: status, err: err}, h.maxWait); sendErr != nil {
		h.countHandoffTimeout(sendErr)
		h.logger.Warn("final threaded status was not collected", "error", sendErr)
		h.finishRun(run)
	}
}

func (h *Handler) awaitHandoff(ctx context.Context, run *threadedRun) (domain.ThreadedStatus, error) {
	msg, err := run.main.Receive(ctx, h.maxWait)
	if err != nil {
		h.countHandoffTimeout(err)
		return domain.ThreadedStatus{}, fmt.Errorf("await threaded execution: %w", err)
	}

	if msg.request != nil {
		h.threadMu.Lock()
		run.waiting = true
		h.threadMu.Unlock()
		return domain.ThreadedStatus{Callback: msg.request}, nil
	}

	h.finishRun(run)
	if msg.err != nil {
		return domain.ThreadedStatus{Exec: msg.status}, fmt.Errorf("threaded execution: %w", msg.err)
	}
	return domain.ThreadedStatus{Exec: msg.status}, nil
}

func (h *Handler) finishRun(run *threadedRun) {
	h.threadMu.Lock()
	defer h.threadMu.Unlock()
	if h.run == run {
		h.run = nil
	}
}

func (h *Handler) countHandoffTimeout(err error) {
	if errors.Is(err, domain.ErrHandoffTimeout) {
		h.metrics.IncHandoffTimeout()
	}
}
