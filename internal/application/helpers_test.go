package application

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/testutil/fakebank"
)

const (
	testUser    = "user-7"
	testSrcIBAN = "DE89370400440532013000"
	testDstIBAN = "DE02120300000000202051"
)

// bankCallback answers every reason with a fixed value and records the questions.
type bankCallback struct {
	mu      sync.Mutex
	answers map[domain.Reason]string
	asked   []domain.CallbackRequest
}

func newBankCallback() *bankCallback {
	return &bankCallback{answers: map[domain.Reason]string{
		domain.ReasonNeedBLZ:            "37040044",
		domain.ReasonNeedHost:           "bank.example.com/fints",
		domain.ReasonNeedUserID:         testUser,
		domain.ReasonNeedPassphraseSave: "secret",
		domain.ReasonNeedPassphraseLoad: "secret",
		domain.ReasonNeedPIN:            "1234",
		domain.ReasonNeedTAN:            "555555",
	}}
}

func (c *bankCallback) Ask(_ context.Context, req domain.CallbackRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asked = append(c.asked, req)
	return c.answers[req.Reason], nil
}

func (c *bankCallback) set(reason domain.Reason, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[reason] = answer
}

func (c *bankCallback) count(reason domain.Reason) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.asked {
		if req.Reason == reason {
			n++
		}
	}
	return n
}

func (c *bankCallback) last(reason domain.Reason) (domain.CallbackRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.asked) - 1; i >= 0; i-- {
		if c.asked[i].Reason == reason {
			return c.asked[i], true
		}
	}
	return domain.CallbackRequest{}, false
}

type testEnv struct {
	handler *Handler
	bank    *fakebank.Bank
	cb      *bankCallback
	sec     *passport.PinTan
	path    string
}

func openTestContext(t *testing.T, path string, cb *bankCallback) *passport.PinTan {
	t.Helper()
	sec, err := passport.OpenPinTan(context.Background(), passport.Options{Path: path, Callback: cb})
	require.NoError(t, err)
	return sec
}

func newTestEnv(t *testing.T, cfg fakebank.Config, opts ...Option) *testEnv {
	t.Helper()

	cb := newBankCallback()
	path := filepath.Join(t.TempDir(), "bank.pt")
	sec := openTestContext(t, path, cb)
	bank := fakebank.New(cfg)

	h, err := New(context.Background(), sec, bank, bank, opts...)
	require.NoError(t, err)

	return &testEnv{handler: h, bank: bank, cb: cb, sec: sec, path: path}
}

func transferJob(t *testing.T, h *Handler, amount string) *domain.Job {
	t.Helper()
	job, err := h.NewJob(JobTransfer)
	require.NoError(t, err)
	require.NoError(t, job.SetParam("src.iban", testSrcIBAN))
	require.NoError(t, job.SetParam("dst.iban", testDstIBAN))
	require.NoError(t, job.SetParam("amount", amount))
	require.NoError(t, job.SetParam("currency", "EUR"))
	return job
}

func balanceJob(t *testing.T, h *Handler) *domain.Job {
	t.Helper()
	job, err := h.NewJob(JobBalance)
	require.NoError(t, err)
	require.NoError(t, job.SetParam("my.iban", testSrcIBAN))
	return job
}

func kinds(log []fakebank.Exchange) []string {
	out := make([]string, 0, len(log))
	for _, e := range log {
		out = append(out, string(e.Kind))
	}
	return out
}
