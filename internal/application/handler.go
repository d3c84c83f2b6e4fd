// Package application runs dialogs against an institute on behalf of one security context.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/platform/metrics"
	"github.com/bnema/hbci-go/internal/ports"
)

const (
	RefreshBPD = 1 << iota
	RefreshUPD
)

// Handler binds one security context and multiplexes dialogs by customer id.
type Handler struct {
	sec       passport.SecurityContext
	codec     ports.MessageCodec
	transport ports.Transport

	version            string
	versionSet         bool
	inner              ports.Callback
	innerSet           bool
	callback           *handoffCallback
	registry           *Registry
	policy             FaultPolicy
	ignoreCreateErrors bool
	logger             *slog.Logger
	metrics            *metrics.Metrics
	clock              ports.Clock
	journal            ports.Journal
	redactor           passport.Redactor
	pain               ports.PainGenerator
	maxWait            time.Duration
	newID              func() string

	mu      sync.Mutex
	dialogs map[string]*Dialog
	order   []string
	closed  bool

	threadMu sync.Mutex
	run      *threadedRun
}

// New builds a handler and registers institute and user. Any failure is fatal:
// the security context must be reopened before trying again.
func New(ctx context.Context, sec passport.SecurityContext, codec ports.MessageCodec, transport ports.Transport, opts ...Option) (*Handler, error) {
	if sec == nil || codec == nil || transport == nil {
		return nil, fmt.Errorf("%w: security context, codec and transport are required", domain.ErrFatalInit)
	}

	h := &Handler{
		sec:       sec,
		codec:     codec,
		transport: transport,
		registry:  DefaultRegistry(),
		logger:    slog.New(slog.DiscardHandler),
		clock:     ports.SystemClock{},
		maxWait:   defaultMaxWait,
		newID:     newExecutionID,
		dialogs:   map[string]*Dialog{},
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.versionSet && strings.TrimSpace(h.version) == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrFatalInit, domain.ErrEmptyVersion)
	}
	if !h.versionSet {
		h.version = sec.ProtocolVersion()
		if h.version == "" {
			h.version = "300"
		}
	}

	if !h.innerSet {
		h.inner = sec.Callback()
	}
	h.callback = &handoffCallback{
		inner:   h.inner,
		sec:     sec,
		maxWait: h.maxWait,
		metrics: h.metrics,
		logger:  h.logger,
	}
	sec.SetCallback(h.callback)

	if scanning, ok := sec.(passport.ScannerAware); ok {
		scanning.SetOperationScanner(codec.OperationCodes)
	}

	if err := h.register(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFatalInit, err)
	}
	return h, nil
}

func (h *Handler) SecurityContext() passport.SecurityContext {
	return h.sec
}

func (h *Handler) Version() string {
	return h.version
}

func (h *Handler) Logger() *slog.Logger {
	return h.logger
}

// NewJob creates a job from the registry. A failing factory is a
// create_job fault; when the fault policy lets it pass, NewJob returns a
// nil job and a nil error.
func (h *Handler) NewJob(name string) (*domain.Job, error) {
	factory, ok := h.registry.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJob, name)
	}

	job, err := factory.build(h)
	if err == nil {
		return job, nil
	}

	verr := &domain.ValidationError{Class: domain.FaultCreateJob, Msg: "job " + name, Err: err}
	if h.ignoreCreateErrors {
		h.logger.Warn("ignoring job creation failure", "job", name, "error", verr.Error())
		return nil, nil
	}
	if err := h.faultHandler(context.Background())(verr); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrCreateJobFailed, err)
	}
	return nil, nil
}

// NewLowlevelJob creates a job that passes its parameters through unchanged.
func (h *Handler) NewLowlevelJob(name string) (*domain.Job, error) {
	version, ok := h.sec.BPD().SupportedJobs()[name]
	if !ok {
		return nil, fmt.Errorf("%w: lowlevel job %s is not offered by the institute", domain.ErrUnsupportedOperation, name)
	}
	return domain.NewJob(name, name, version, nil, domain.JobHooks{}), nil
}

// AddJobToDialog queues job into the dialog of customerID, the context's own id when empty.
func (h *Handler) AddJobToDialog(ctx context.Context, customerID string, job *domain.Job) (err error) {
	if job == nil {
		return fmt.Errorf("add job to dialog: job is nil")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHandlerClosed
	}

	key := h.customerKey(customerID)
	d, _ := h.dialogLocked(key)
	defer func() {
		if err != nil && d.empty() {
			h.removeDialogLocked(key)
		}
	}()

	if job.Queued() {
		return fmt.Errorf("add job %s to dialog: %w", job.Name(), domain.ErrJobAlreadyQueued)
	}
	if err := job.Build(h.faultHandler(ctx)); err != nil {
		return fmt.Errorf("add job %s to dialog: %w", job.Name(), err)
	}
	if err := job.Enqueue(); err != nil {
		return fmt.Errorf("add job %s to dialog: %w", job.Name(), err)
	}
	h.redactParams(job)
	d.add(job)
	h.logger.Debug("job queued", "job", job.Name(), "customer", key)
	return nil
}

// NewMsg forces the next job of the customer's dialog into a new message.
func (h *Handler) NewMsg(customerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHandlerClosed
	}
	d, _ := h.dialogLocked(h.customerKey(customerID))
	d.newMsg()
	return nil
}

// Pending lists customer ids with a queued dialog.
func (h *Handler) Pending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Reset discards every pending dialog without running it.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialogs = map[string]*Dialog{}
	h.order = nil
}

// Execute runs every pending dialog, one customer at a time. A dialog
// fault ends up in the returned status; only broken preconditions are
// returned as error.
func (h *Handler) Execute(ctx context.Context) (*domain.ExecStatus, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, domain.ErrHandlerClosed
	}
	if h.sec.Variant() != domain.VariantAnonymous && h.inner == nil && !h.threadedActive() {
		return nil, fmt.Errorf("execute: %w", domain.ErrMissingCallback)
	}

	execID := h.newID()
	logger := h.logger.With("execution", execID)
	original := h.sec.Identity().CustomerID

	defer func() {
		h.Reset()
		h.sec.SetCustomerID(original)
		if err := h.transport.Close(); err != nil {
			logger.Warn("close transport", "error", err)
		}
	}()

	var outcomes []domain.CustomerOutcome
	for {
		d := h.popDialog()
		if d == nil {
			break
		}
		outcomes = append(outcomes, h.runDialog(ctx, execID, d))
	}

	status := domain.NewExecStatus(outcomes...)
	logger.Info("execution finished", "dialogs", len(outcomes), "outcome", string(status.Outcome()))
	return status, nil
}

func (h *Handler) runDialog(ctx context.Context, execID string, d *Dialog) domain.CustomerOutcome {
	started := h.clock.Now()
	h.sec.SetCustomerID(d.customerID)

	status, err := d.Run(ctx)
	outcome := domain.CustomerOutcome{CustomerID: d.customerID, Status: status}
	if err != nil {
		outcome.Err = fmt.Errorf("%w: customer %s: %w", domain.ErrDialogFault, d.customerID, err)
		h.logger.Warn("dialog fault", "customer", d.customerID, "error", err)
	}

	dialogOutcome := domain.OutcomeFaulted
	dialogID := ""
	if status != nil {
		dialogOutcome = status.Outcome()
		dialogID = status.DialogID
	}
	finished := h.clock.Now()
	h.metrics.ObserveDialog(dialogOutcome, finished.Sub(started))
	h.record(ctx, domain.JournalEntry{
		ExecutionID: execID,
		CustomerID:  d.customerID,
		DialogID:    dialogID,
		Outcome:     dialogOutcome,
		Jobs:        len(d.jobs),
		Error:       errorText(outcome.Err),
		StartedAt:   started,
		FinishedAt:  finished,
	})
	return outcome
}

func (h *Handler) record(ctx context.Context, entry domain.JournalEntry) {
	if h.journal == nil {
		return
	}
	if err := h.journal.Record(ctx, entry); err != nil {
		h.logger.Warn("record journal entry", "error", err)
	}
}

// CreateEmptyDialog returns a dialog with no jobs for customerID. It is not
// added to the pending table.
func (h *Handler) CreateEmptyDialog(customerID string) *Dialog {
	return newDialog(h, h.customerKey(customerID))
}

// RefreshXPD drops the cached BPD and/or UPD and fetches them again.
func (h *Handler) RefreshXPD(ctx context.Context, flags int) (*domain.DialogStatus, error) {
	if flags&RefreshBPD != 0 {
		h.sec.ClearBPD()
	}
	if flags&RefreshUPD != 0 {
		h.sec.ClearUPD()
	}
	h.Reset()

	status, err := h.runStandalone(ctx, h.CreateEmptyDialog(""))
	if err != nil {
		return status, fmt.Errorf("refresh parameter data: %w", err)
	}
	if err := h.sec.Save(ctx); err != nil {
		return status, fmt.Errorf("refresh parameter data: %w", err)
	}
	return status, nil
}

// VerifyTAN runs an empty dialog whose initialization asks the institute to check PIN and TAN.
func (h *Handler) VerifyTAN(ctx context.Context, customerID string) (*domain.DialogStatus, error) {
	tan, ok := h.sec.(passport.TANContext)
	if !ok {
		return nil, fmt.Errorf("verify TAN: %w for %s contexts", domain.ErrUnsupportedOperation, h.sec.Variant())
	}
	tan.ActivateTANVerify()
	status, err := h.runStandalone(ctx, h.CreateEmptyDialog(customerID))
	if err != nil {
		return status, fmt.Errorf("verify TAN: %w", err)
	}
	return status, nil
}

// runStandalone runs d outside Execute, under d's customer id.
func (h *Handler) runStandalone(ctx context.Context, d *Dialog) (*domain.DialogStatus, error) {
	original := h.sec.Identity().CustomerID
	h.sec.SetCustomerID(d.customerID)
	defer func() {
		h.sec.SetCustomerID(original)
		if err := h.transport.Close(); err != nil {
			h.logger.Warn("close transport", "error", err)
		}
	}()

	started := h.clock.Now()
	status, err := d.Run(ctx)
	if status != nil {
		h.metrics.ObserveDialog(status.Outcome(), h.clock.Now().Sub(started))
	}
	if err != nil {
		return status, fmt.Errorf("%w: %w", domain.ErrDialogFault, err)
	}
	return status, nil
}

// Close saves the security context and releases it. The handler is unusable afterwards.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.dialogs = map[string]*Dialog{}
	h.order = nil
	h.mu.Unlock()

	return errors.Join(h.sec.Close(ctx), h.transport.Close())
}

// SupportedLowlevelJobs maps every lowlevel job the institute offers to its highest version.
func (h *Handler) SupportedLowlevelJobs() map[string]string {
	return h.sec.BPD().SupportedJobs()
}

func (h *Handler) LowlevelJobParameterNames(name string) ([]string, error) {
	return h.schemaNames(name, func(s ports.JobSchema, job, version string) ([]string, bool) {
		return s.ParameterNames(job, version)
	})
}

func (h *Handler) LowlevelJobResultNames(name string) ([]string, error) {
	return h.schemaNames(name, func(s ports.JobSchema, job, version string) ([]string, bool) {
		return s.ResultNames(job, version)
	})
}

func (h *Handler) schemaNames(name string, lookup func(ports.JobSchema, string, string) ([]string, bool)) ([]string, error) {
	version, ok := h.SupportedLowlevelJobs()[name]
	if !ok {
		return nil, fmt.Errorf("%w: lowlevel job %s is not offered by the institute", domain.ErrUnsupportedOperation, name)
	}
	schema, ok := h.codec.(ports.JobSchema)
	if !ok {
		return nil, fmt.Errorf("%w: codec has no job schema", domain.ErrUnsupportedOperation)
	}
	names, ok := lookup(schema, name, version)
	if !ok {
		return nil, fmt.Errorf("%w: no schema for %s version %s", domain.ErrUnsupportedOperation, name, version)
	}
	return names, nil
}

// LowlevelJobRestrictions returns the institute's restrictions for a lowlevel job.
func (h *Handler) LowlevelJobRestrictions(name string) (map[string]string, error) {
	if _, ok := h.SupportedLowlevelJobs()[name]; !ok {
		return nil, fmt.Errorf("%w: lowlevel job %s is not offered by the institute", domain.ErrUnsupportedOperation, name)
	}
	return h.sec.BPD().JobRestrictions(name), nil
}

// IsSupported reports whether a registered or lowlevel job can run against the institute.
func (h *Handler) IsSupported(name string) bool {
	lowlevel := name
	if factory, ok := h.registry.lookup(name); ok {
		lowlevel = factory.lowlevel
	}
	_, ok := h.SupportedLowlevelJobs()[lowlevel]
	return ok
}

// Jobs lists the registered job names.
func (h *Handler) Jobs() []string {
	names := h.registry.Names()
	sort.Strings(names)
	return names
}

func (h *Handler) redactParams(job *domain.Job) {
	if h.redactor == nil {
		return
	}
	for _, p := range job.Params() {
		if class := job.Filter(p.Name); class != domain.FilterNone && p.Value != "" {
			h.redactor.AddSecret(p.Value, class)
		}
	}
}

func (h *Handler) customerKey(customerID string) string {
	if strings.TrimSpace(customerID) == "" {
		return h.sec.CustomerID()
	}
	return customerID
}

func (h *Handler) dialogLocked(key string) (*Dialog, bool) {
	if d, ok := h.dialogs[key]; ok {
		return d, false
	}
	d := newDialog(h, key)
	h.dialogs[key] = d
	h.order = append(h.order, key)
	return d, true
}

func (h *Handler) removeDialogLocked(key string) {
	delete(h.dialogs, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// popDialog removes and returns the next dialog with work, dropping empty ones.
func (h *Handler) popDialog() *Dialog {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.order) > 0 {
		key := h.order[0]
		h.order = h.order[1:]
		d := h.dialogs[key]
		delete(h.dialogs, key)
		if d != nil && !d.empty() {
			return d
		}
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
