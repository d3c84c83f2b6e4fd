package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/platform/metrics"
	"github.com/bnema/hbci-go/internal/ports"
)

var _ ports.Callback = (*handoffCallback)(nil)

// handoffCallback routes questions to the caller's thread while a threaded
// execution is running and to the configured callback otherwise.
type handoffCallback struct {
	inner   ports.Callback
	sec     passport.SecurityContext
	maxWait time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (c *handoffCallback) Ask(ctx context.Context, req domain.CallbackRequest) (string, error) {
	c.metrics.IncCallback(req.Reason)

	main, worker, ok := c.syncers()
	if !ok {
		if c.inner == nil {
			return "", fmt.Errorf("%w: cannot ask for %s", domain.ErrMissingCallback, req.Reason)
		}
		return c.inner.Ask(ctx, req)
	}

	c.logger.Debug("handing callback to caller", "reason", string(req.Reason))
	if err := main.Send(ctx, handoff{request: &req}, c.maxWait); err != nil {
		c.countTimeout(err)
		return "", fmt.Errorf("hand off callback %s: %w", req.Reason, err)
	}
	ans, err := worker.Receive(ctx, c.maxWait)
	if err != nil {
		c.countTimeout(err)
		return "", fmt.Errorf("wait for callback answer %s: %w", req.Reason, err)
	}
	return ans.value, ans.err
}

func (c *handoffCallback) syncers() (*ThreadSyncer[handoff], *ThreadSyncer[answer], bool) {
	rawMain, ok := c.sec.SideData(mainSyncerKey)
	if !ok {
		return nil, nil, false
	}
	rawWorker, ok := c.sec.SideData(workerSyncerKey)
	if !ok {
		return nil, nil, false
	}
	main, okMain := rawMain.(*ThreadSyncer[handoff])
	worker, okWorker := rawWorker.(*ThreadSyncer[answer])
	if !okMain || !okWorker {
		return nil, nil, false
	}
	return main, worker, true
}

func (c *handoffCallback) countTimeout(err error) {
	if errors.Is(err, domain.ErrHandoffTimeout) {
		c.metrics.IncHandoffTimeout()
	}
}
