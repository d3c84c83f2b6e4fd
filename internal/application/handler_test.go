package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/ports"
	"github.com/bnema/hbci-go/internal/ports/mocks"
	"github.com/bnema/hbci-go/internal/testutil/fakebank"
)

func TestNewRegistersInstituteAndUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())

	assert.Equal(t, "12", env.sec.BPD().Version())
	assert.Equal(t, "3", env.sec.UPD().Version())
	assert.Equal(t, "SYS-4711", env.sec.Identity().SysID)
	assert.Equal(t, passport.OneStepProcedure, env.sec.CurrentTANProcedure())
	assert.Equal(t, "300", env.handler.Version())

	acc, ok := env.sec.UPD().AccountByIBAN(testSrcIBAN)
	require.True(t, ok)
	assert.Equal(t, "COBADEFFXXX", acc.BIC)
	assert.Equal(t, "1", env.sec.UPD().Get(domain.ParamFetchedSEPA))

	assert.Equal(t, 1, env.cb.count(domain.ReasonNeedPIN))
	assert.Zero(t, env.bank.Overlaps())
}

func TestNewSkipsRegistrationWhenDataIsCurrent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	before := len(env.bank.Log())

	_, err := New(context.Background(), env.sec, env.bank, env.bank, WithCallback(env.cb))
	require.NoError(t, err)
	assert.Len(t, env.bank.Log(), before)
}

func TestNewVersionSelection(t *testing.T) {
	t.Parallel()

	t.Run("empty explicit version", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, fakebank.DefaultConfig())

		_, err := New(context.Background(), env.sec, env.bank, env.bank, WithVersion(" "))
		require.ErrorIs(t, err, domain.ErrFatalInit)
		require.ErrorIs(t, err, domain.ErrEmptyVersion)
	})

	t.Run("explicit version is persisted", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, fakebank.DefaultConfig())

		h, err := New(context.Background(), env.sec, env.bank, env.bank, WithVersion("220"))
		require.NoError(t, err)
		assert.Equal(t, "220", h.Version())
		assert.Equal(t, "220", env.sec.ProtocolVersion())

		reopened := openTestContext(t, env.path, newBankCallback())
		assert.Equal(t, "220", reopened.ProtocolVersion())
	})
}

func TestNewFailsFatallyWhenInstituteRejects(t *testing.T) {
	t.Parallel()

	cb := newBankCallback()
	cb.set(domain.ReasonNeedPIN, "0000")
	sec := openTestContext(t, t.TempDir()+"/bank.pt", cb)
	bank := fakebank.New(fakebank.DefaultConfig())

	_, err := New(context.Background(), sec, bank, bank)
	require.ErrorIs(t, err, domain.ErrFatalInit)
	assert.ErrorContains(t, err, "9931")
}

func TestNewJob(t *testing.T) {
	t.Parallel()

	cfg := fakebank.DefaultConfig()
	delete(cfg.BPD, "jobs.Status")
	env := newTestEnv(t, cfg)

	tests := []struct {
		name    string
		job     string
		opts    []Option
		wantErr error
		wantNil bool
	}{
		{name: "registered job", job: JobBalance},
		{name: "unknown job", job: "DoesNotExist", wantErr: domain.ErrUnknownJob},
		{name: "job the institute does not offer", job: JobStatus, wantErr: domain.ErrCreateJobFailed},
		{name: "ignored creation failure", job: JobStatus, opts: []Option{WithIgnoreCreateErrors(true)}, wantNil: true},
		{name: "creation failure raised by policy", job: JobStatus, opts: []Option{WithFaultPolicy(FaultPolicy{domain.FaultCreateJob: FaultRaise})}, wantErr: domain.ErrCreateJobFailed},
		{name: "creation failure ignored by policy", job: JobStatus, opts: []Option{WithFaultPolicy(FaultPolicy{domain.FaultCreateJob: FaultIgnore})}, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := env.handler
			if len(tt.opts) > 0 {
				var err error
				h, err = New(context.Background(), env.sec, env.bank, env.bank, append([]Option{WithCallback(env.cb)}, tt.opts...)...)
				require.NoError(t, err)
			}

			job, err := h.NewJob(tt.job)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, job)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, job)
				return
			}
			assert.Equal(t, tt.job, job.Name())
		})
	}
}

func TestNewJobCreateFaultAsksCallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		answer  string
		wantErr bool
	}{
		{name: "confirmed", answer: "yes"},
		{name: "declined", answer: "n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := fakebank.DefaultConfig()
			delete(cfg.BPD, "jobs.Status")
			env := newTestEnv(t, cfg, WithFaultPolicy(FaultPolicy{domain.FaultCreateJob: FaultCallback}))
			env.cb.set(domain.ReasonErrorConfirm, tt.answer)

			job, err := env.handler.NewJob(JobStatus)
			assert.Nil(t, job)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrCreateJobFailed)
				var verr *domain.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, domain.FaultCreateJob, verr.Class)
			} else {
				require.NoError(t, err)
			}

			req, ok := env.cb.last(domain.ReasonErrorConfirm)
			require.True(t, ok)
			assert.Contains(t, req.Prompt, "create_job")
		})
	}
}

func TestExecuteTransferScenario(t *testing.T) {
	t.Parallel()

	clock := mocks.NewMockClock(t)
	clock.EXPECT().Now().Return(time.UnixMilli(1760000000000))

	env := newTestEnv(t, fakebank.DefaultConfig(), WithClock(clock))
	h := env.handler

	job := transferJob(t, h, "100.00")
	require.NoError(t, h.AddJobToDialog(context.Background(), "", job))

	status, err := h.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{testUser}, status.CustomerIDs())
	assert.True(t, status.IsOK(), status.String())

	dialog, ok := status.DialogStatus(testUser)
	require.True(t, ok)
	assert.True(t, dialog.IsOK())
	assert.True(t, job.Result().IsOK())

	receipt, err := domain.Payload[domain.TransferReceipt](job)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.Equal(t, "ORD-1", receipt.OrderID)
	assert.Equal(t, "pain.001.002.03", receipt.PainVersion)
	assert.Equal(t, "1760000000000-user-7", receipt.MessageID)

	bic, _ := job.WireParam("My.bic")
	assert.Equal(t, "COBADEFFXXX", bic)

	assert.Equal(t, 1, env.cb.count(domain.ReasonNeedTAN))
	log := env.bank.Log()
	assert.Equal(t, "555555", log[len(log)-2].TAN)
	assert.Empty(t, h.Pending())
	assert.Positive(t, env.bank.Closes())
}

func TestExecuteEmptyTANFaultsDialog(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	env.cb.set(domain.ReasonNeedTAN, "")
	h := env.handler

	job := transferJob(t, h, "100.00")
	require.NoError(t, h.AddJobToDialog(context.Background(), "", job))

	status, err := h.Execute(context.Background())
	require.NoError(t, err)

	fault := status.Fault(testUser)
	require.Error(t, fault)
	assert.ErrorIs(t, fault, domain.ErrDialogFault)
	assert.ErrorIs(t, fault, domain.ErrEmptyCredential)
	assert.Equal(t, domain.OutcomeFaulted, status.OutcomeFor(testUser))
	assert.Equal(t, domain.JobStatusError, job.Result().Status())

	for _, e := range env.bank.Log() {
		assert.NotEqual(t, []string{"UebSEPA"}, e.Jobs, "no message with an empty TAN may reach the bank")
	}
}

func TestExecuteNeverInterleavesCustomers(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler
	ctx := context.Background()
	start := len(env.bank.Log())

	require.NoError(t, h.AddJobToDialog(ctx, "", balanceJob(t, h)))
	require.NoError(t, h.AddJobToDialog(ctx, "other-1", balanceJob(t, h)))
	require.NoError(t, h.AddJobToDialog(ctx, "", balanceJob(t, h)))
	require.NoError(t, h.AddJobToDialog(ctx, "other-2", balanceJob(t, h)))

	status, err := h.Execute(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testUser, "other-1", "other-2"}, status.CustomerIDs())
	assert.True(t, status.IsOK(), status.String())
	assert.Zero(t, env.bank.Overlaps())

	finished := map[string]bool{}
	current := ""
	for _, e := range env.bank.Log()[start:] {
		if e.CustomerID != current {
			require.False(t, finished[e.CustomerID], "customer %s resumed after another dialog", e.CustomerID)
			if current != "" {
				finished[current] = true
			}
			current = e.CustomerID
		}
	}

	assert.Equal(t, testUser, env.sec.Identity().CustomerID)
}

func TestAddJobToDialogDropsEmptyDialogOnFault(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler
	ctx := context.Background()

	missing, err := h.NewJob(JobTransfer)
	require.NoError(t, err)
	require.NoError(t, missing.SetParam("src.iban", testSrcIBAN))

	err = h.AddJobToDialog(ctx, "fresh", missing)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.FaultMissingParam, verr.Class)
	assert.Empty(t, h.Pending())

	require.NoError(t, h.AddJobToDialog(ctx, "kept", balanceJob(t, h)))
	invalid := transferJob(t, h, "ten euros")
	require.Error(t, h.AddJobToDialog(ctx, "kept", invalid))
	assert.Equal(t, []string{"kept"}, h.Pending())

	require.Error(t, h.AddJobToDialog(ctx, "", nil))
	assert.Equal(t, []string{"kept"}, h.Pending())

	require.NoError(t, h.NewMsg("boundary"))
	require.Error(t, h.AddJobToDialog(ctx, "boundary", transferJob(t, h, "not-an-amount")))
	assert.Equal(t, []string{"kept"}, h.Pending())
}

func TestAddJobToDialogRejectsQueuedJobUntouched(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler
	ctx := context.Background()

	job := transferJob(t, h, "5.00")
	require.NoError(t, h.AddJobToDialog(ctx, "", job))
	msgID, ok := job.WireParam("msgid")
	require.True(t, ok)
	job.SetWireParam("msgid", msgID+"-queued")

	err := h.AddJobToDialog(ctx, "second", job)
	require.ErrorIs(t, err, domain.ErrJobAlreadyQueued)

	got, _ := job.WireParam("msgid")
	assert.Equal(t, msgID+"-queued", got)
	assert.Equal(t, []string{testUser}, h.Pending())
}

func TestAddJobToDialogFaultPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		action  FaultAction
		confirm string
		wantErr bool
	}{
		{name: "raise", action: FaultRaise, wantErr: true},
		{name: "ignore", action: FaultIgnore},
		{name: "callback confirms", action: FaultCallback, confirm: "y"},
		{name: "callback declines", action: FaultCallback, confirm: "n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, fakebank.DefaultConfig(), WithFaultPolicy(FaultPolicy{domain.FaultInvalidParam: tt.action}))
			env.cb.set(domain.ReasonErrorConfirm, tt.confirm)

			job := transferJob(t, env.handler, "1,00")
			err := env.handler.AddJobToDialog(context.Background(), "", job)
			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, env.handler.Pending())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{testUser}, env.handler.Pending())
		})
	}
}

func TestExecuteRequiresCallback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h, err := New(context.Background(), env.sec, env.bank, env.bank, WithCallback(nil))
	require.NoError(t, err)

	require.NoError(t, h.AddJobToDialog(context.Background(), "", balanceJob(t, h)))
	_, err = h.Execute(context.Background())
	require.ErrorIs(t, err, domain.ErrMissingCallback)
}

func TestRefreshXPDResetsVersions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler
	require.NoError(t, h.AddJobToDialog(context.Background(), "", balanceJob(t, h)))
	start := len(env.bank.Log())

	status, err := h.RefreshXPD(context.Background(), RefreshBPD|RefreshUPD)
	require.NoError(t, err)
	assert.True(t, status.IsOK())
	assert.Empty(t, h.Pending())

	init := env.bank.Log()[start]
	assert.Equal(t, ports.MessageInit, init.Kind)
	assert.Equal(t, domain.UnsetVersion, init.BPDVersion)
	assert.Equal(t, domain.UnsetVersion, init.UPDVersion)

	assert.Equal(t, "12", env.sec.BPD().Version())
	assert.Equal(t, "3", env.sec.UPD().Version())
}

func TestVerifyTAN(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	start := len(env.bank.Log())

	status, err := env.handler.VerifyTAN(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, status.IsOK())

	req, ok := env.cb.last(domain.ReasonNeedTAN)
	require.True(t, ok)
	assert.Equal(t, tanVerifyChallenge, req.Prompt)
	assert.Equal(t, "555555", env.bank.Log()[start].TAN)

	env.cb.set(domain.ReasonNeedTAN, "111111")
	_, err = env.handler.VerifyTAN(context.Background(), "")
	require.ErrorIs(t, err, domain.ErrDialogFault)
	assert.ErrorContains(t, err, "9941")
}

func TestKeyOperationsNeedKeyStorage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	ctx := context.Background()

	require.ErrorIs(t, env.handler.LockKeys(ctx), domain.ErrNoKeyStorage)
	require.ErrorIs(t, env.handler.NewKeys(ctx), domain.ErrNoKeyStorage)
	require.ErrorIs(t, env.handler.SetKeys(ctx, passport.KeyPairs{}), domain.ErrNoKeyStorage)
}

func TestLowlevelIntrospection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler

	assert.Equal(t, "6", h.SupportedLowlevelJobs()["Saldo"])
	assert.True(t, h.IsSupported(JobBalance))
	assert.True(t, h.IsSupported("Saldo"))
	assert.False(t, h.IsSupported("DoesNotExist"))
	assert.Equal(t, []string{JobTransfer, JobSEPAInfo, JobBalance, JobStatus, JobTANMediaList}, registeredOrder(h.Jobs()))

	params, err := h.LowlevelJobParameterNames("Saldo")
	require.NoError(t, err)
	assert.Equal(t, []string{"KTV.iban", "KTV.bic", "allaccounts"}, params)

	results, err := h.LowlevelJobResultNames("Saldo")
	require.NoError(t, err)
	assert.Contains(t, results, "saldo.value")

	_, err = h.LowlevelJobParameterNames("UebSEPA")
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	restrictions, err := h.LowlevelJobRestrictions("TANMediaList")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"maxmedia": "5"}, restrictions)

	_, err = h.LowlevelJobRestrictions("DoesNotExist")
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)

	job, err := h.NewLowlevelJob("Saldo")
	require.NoError(t, err)
	assert.Equal(t, "6", job.Version())

	_, err = h.NewLowlevelJob("DoesNotExist")
	require.ErrorIs(t, err, domain.ErrUnsupportedOperation)
}

// registeredOrder sorts names in built-in declaration order for comparison.
func registeredOrder(names []string) []string {
	var out []string
	for _, b := range builtinJobs {
		for _, n := range names {
			if n == b.name {
				out = append(out, n)
			}
		}
	}
	return out
}

func TestExecuteLowlevelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler

	job, err := h.NewLowlevelJob("Saldo")
	require.NoError(t, err)
	require.NoError(t, job.SetParam("KTV.iban", testSrcIBAN))
	require.NoError(t, h.AddJobToDialog(context.Background(), "", job))

	status, err := h.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsOK())

	value, ok := job.Result().Value("saldo.value")
	require.True(t, ok)
	assert.Equal(t, "1024.50", value)
}

func TestExecuteRecordsJournal(t *testing.T) {
	t.Parallel()

	journal := mocks.NewMockJournal(t)
	journal.EXPECT().Record(mock.Anything, mock.MatchedBy(func(e domain.JournalEntry) bool {
		return e.ExecutionID == "exec-1" && e.CustomerID == testUser && e.Outcome == domain.OutcomeOK && e.Jobs == 1
	})).Return(errors.New("disk full")).Once()

	env := newTestEnv(t, fakebank.DefaultConfig(),
		WithJournal(journal),
		WithIDGenerator(func() string { return "exec-1" }),
	)
	h := env.handler

	require.NoError(t, h.AddJobToDialog(context.Background(), "", balanceJob(t, h)))
	status, err := h.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsOK())
}

func TestTransferUsesPainGenerator(t *testing.T) {
	t.Parallel()

	pain := mocks.NewMockPainGenerator(t)
	pain.EXPECT().Generate("pain.001.002.03", mock.MatchedBy(func(fields map[string]string) bool {
		return fields["Other.iban"] == testDstIBAN && fields["BTG.value"] == "12.50"
	})).Return([]byte("<Document/>"), nil).Once()

	env := newTestEnv(t, fakebank.DefaultConfig(), WithPainGenerator(pain))
	job := transferJob(t, env.handler, "12.50")
	require.NoError(t, env.handler.AddJobToDialog(context.Background(), "", job))

	doc, ok := job.WireParam("sepapain")
	require.True(t, ok)
	assert.Equal(t, "<Document/>", doc)
}

func TestCloseMakesHandlerUnusable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	require.NoError(t, env.handler.Close(context.Background()))
	require.NoError(t, env.handler.Close(context.Background()))

	_, err := env.handler.Execute(context.Background())
	require.ErrorIs(t, err, domain.ErrHandlerClosed)
	require.ErrorIs(t, env.handler.AddJobToDialog(context.Background(), "", &domain.Job{}), domain.ErrHandlerClosed)
}

func TestResetDiscardsPendingDialogs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, fakebank.DefaultConfig())
	h := env.handler
	require.NoError(t, h.AddJobToDialog(context.Background(), "a", balanceJob(t, h)))
	require.NoError(t, h.AddJobToDialog(context.Background(), "b", balanceJob(t, h)))
	require.Len(t, h.Pending(), 2)

	h.Reset()
	assert.Empty(t, h.Pending())

	status, err := h.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, status.CustomerIDs())
}
