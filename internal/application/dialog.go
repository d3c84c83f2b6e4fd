package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/passport"
	"github.com/bnema/hbci-go/internal/ports"
)

const (
	initDialogID = "0"
	paramOffset  = "offset"

	tanVerifyChallenge = "Enter a TAN to verify PIN and TAN"
)

// Dialog is one init/body/end session for a single customer id.
type Dialog struct {
	h          *Handler
	customerID string
	purpose    ports.Purpose
	initValues []domain.Value
	jobs       []*domain.Job
	// breaks holds job indexes that must start a new message.
	breaks   map[int]bool
	breakNow bool
}

func newDialog(h *Handler, customerID string) *Dialog {
	return &Dialog{h: h, customerID: customerID, breaks: map[int]bool{}}
}

func (d *Dialog) CustomerID() string {
	return d.customerID
}

// Jobs returns the queued jobs in submission order.
func (d *Dialog) Jobs() []*domain.Job {
	return append([]*domain.Job(nil), d.jobs...)
}

func (d *Dialog) empty() bool {
	return len(d.jobs) == 0
}

func (d *Dialog) add(job *domain.Job) {
	if d.breakNow && len(d.jobs) > 0 {
		d.breaks[len(d.jobs)] = true
	}
	d.breakNow = false
	d.jobs = append(d.jobs, job)
}

func (d *Dialog) newMsg() {
	d.breakNow = true
}

// withPurpose makes the init message ask for something beyond a plain dialog.
func (d *Dialog) withPurpose(purpose ports.Purpose, values ...domain.Value) *Dialog {
	d.purpose = purpose
	d.initValues = append(d.initValues, values...)
	return d
}

// Run performs the init exchange, every body message and the end exchange.
// A fault in the body stops the remaining messages and fails the jobs not
// yet answered; the end message is still sent.
func (d *Dialog) Run(ctx context.Context) (*domain.DialogStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := d.h.logger.With("customer", d.customerID)
	status := &domain.DialogStatus{CustomerID: d.customerID}
	msgNum := 1

	resp, initStatus, err := d.exchange(ctx, exchangeRequest{
		kind:     ports.MessageInit,
		purpose:  d.purpose,
		dialogID: initDialogID,
		msgNum:   msgNum,
		values:   d.initValues,
	})
	status.Init = initStatus
	if err == nil && !initStatus.IsOK() {
		err = fmt.Errorf("institute rejected dialog initialization: %s", firstError(initStatus.RetVals))
	}
	if err != nil {
		err = fmt.Errorf("initialize dialog: %w", err)
		d.failAll(d.jobs, err)
		status.Err = err
		status.Jobs = d.outcomes()
		return status, err
	}
	if err := d.applyInit(resp); err != nil {
		err = fmt.Errorf("initialize dialog: %w", err)
		d.failAll(d.jobs, err)
		status.Err = err
		status.Jobs = d.outcomes()
		return status, err
	}
	status.DialogID = resp.DialogID
	logger.Debug("dialog initialized", "dialog", resp.DialogID, "purpose", string(d.purpose))

	var fault error
	for i, batch := range d.batches() {
		if fault != nil {
			d.failAll(batch, fmt.Errorf("skipped after earlier fault: %w", fault))
			continue
		}
		msgs, err := d.runBatch(ctx, status.DialogID, &msgNum, batch)
		status.Messages = append(status.Messages, msgs...)
		if err != nil {
			fault = fmt.Errorf("message batch %d: %w", i+1, err)
			d.failAll(batch, fault)
			logger.Warn("dialog message failed", "batch", i+1, "error", err)
		}
	}

	msgNum++
	_, endStatus, err := d.exchange(ctx, exchangeRequest{
		kind:     ports.MessageEnd,
		dialogID: status.DialogID,
		msgNum:   msgNum,
	})
	status.End = endStatus
	if err != nil {
		logger.Warn("dialog end failed", "error", err)
		fault = errors.Join(fault, fmt.Errorf("end dialog: %w", err))
	}

	status.Jobs = d.outcomes()
	status.Err = fault
	return status, fault
}

type exchangeRequest struct {
	kind     ports.MessageKind
	purpose  ports.Purpose
	dialogID string
	msgNum   int
	tasks    []domain.Task
	values   []domain.Value
}

// exchange pushes one message through codec, security context and transport.
func (d *Dialog) exchange(ctx context.Context, req exchangeRequest) (ports.Response, domain.MessageStatus, error) {
	h := d.h
	sec := h.sec
	msgStatus := domain.MessageStatus{Kind: string(req.kind), MsgNum: req.msgNum}

	fail := func(err error) (ports.Response, domain.MessageStatus, error) {
		msgStatus.Err = err
		return ports.Response{}, msgStatus, err
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	meta := ports.SecurityMeta{
		Variant: sec.Variant(),
		SigID:   sec.SigID(),
		Sign: func(data []byte) ([]byte, error) {
			return sec.Sign(ctx, sec.Hash(data))
		},
	}
	if tan, ok := sec.(passport.TANContext); ok {
		meta.TANProcedure = tan.CurrentTANProcedure()
		if req.kind == ports.MessageInit && tan.ConsumeTANVerify() {
			meta.TANVerify = true
			tan.SetPendingChallenge(tanVerifyChallenge, "")
			defer tan.ClearPendingChallenge()
		}
	}

	identity := sec.Identity()
	identity.CustomerID = sec.CustomerID()
	plain, err := h.codec.Encode(ports.EncodeRequest{
		Kind:            req.kind,
		Purpose:         req.purpose,
		ProtocolVersion: h.version,
		DialogID:        req.dialogID,
		MsgNum:          req.msgNum,
		Identity:        identity,
		BPDVersion:      sec.BPD().Version(),
		UPDVersion:      sec.UPD().Version(),
		Tasks:           req.tasks,
		Values:          req.values,
		Security:        meta,
	})
	if err != nil {
		return fail(fmt.Errorf("encode %s message: %w", req.kind, err))
	}

	key, payload, err := sec.Encrypt(plain)
	if err != nil {
		return fail(fmt.Errorf("encrypt %s message: %w", req.kind, err))
	}
	wire, err := h.codec.Envelope(key, payload)
	if err != nil {
		return fail(fmt.Errorf("wrap %s message: %w", req.kind, err))
	}

	h.metrics.IncMessages(string(req.kind))
	reply, err := h.transport.Exchange(ctx, wire)
	if err != nil {
		return fail(fmt.Errorf("exchange %s message: %w", req.kind, err))
	}

	replyKey, replyPayload, err := h.codec.Open(reply)
	if err != nil {
		return fail(fmt.Errorf("open %s reply: %w", req.kind, err))
	}
	replyPlain, err := sec.Decrypt(replyKey, replyPayload)
	if err != nil {
		return fail(fmt.Errorf("decrypt %s reply: %w", req.kind, err))
	}
	resp, err := h.codec.Decode(replyPlain)
	if err != nil {
		return fail(fmt.Errorf("decode %s reply: %w", req.kind, err))
	}
	if len(resp.Signature) > 0 && !sec.Verify(sec.Hash(resp.SignedData), resp.Signature) {
		return fail(fmt.Errorf("verify %s reply: signature mismatch", req.kind))
	}

	msgStatus.RetVals = append([]domain.RetVal(nil), resp.RetVals...)
	return resp, msgStatus, nil
}

// applyInit stores what the institute sent back with the init reply.
func (d *Dialog) applyInit(resp ports.Response) error {
	sec := d.h.sec

	bpd, upd := domain.Params{}, domain.Params{}
	for _, v := range resp.Values {
		switch {
		case strings.HasPrefix(v.Name, ports.ValueBPDPrefix):
			bpd[strings.TrimPrefix(v.Name, ports.ValueBPDPrefix)] = v.Value
		case strings.HasPrefix(v.Name, ports.ValueUPDPrefix):
			upd[strings.TrimPrefix(v.Name, ports.ValueUPDPrefix)] = v.Value
		}
	}
	if !bpd.Empty() {
		sec.SetBPD(bpd)
		d.h.logger.Info("bank parameter data updated", "version", bpd.Version())
	}
	if !upd.Empty() {
		sec.SetUPD(upd)
		d.h.logger.Info("user parameter data updated", "version", upd.Version())
	}

	if sysID, ok := resp.Value(ports.ValueSysID); ok && sysID != "" {
		sec.SetSysID(sysID)
	}
	if raw, ok := resp.Value(ports.ValueSigID); ok && raw != "" {
		sigID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse signature id %q: %w", raw, err)
		}
		sec.SetSigID(sigID)
	}

	if store, ok := sec.(passport.KeyStore); ok {
		sigRaw, hasSig := resp.Value(ports.ValueInstSigKey)
		encRaw, hasEnc := resp.Value(ports.ValueInstEncKey)
		if hasSig || hasEnc {
			sig, err := passport.DecodePublicKey(sigRaw)
			if err != nil {
				return fmt.Errorf("institute signature key: %w", err)
			}
			enc, err := passport.DecodePublicKey(encRaw)
			if err != nil {
				return fmt.Errorf("institute encryption key: %w", err)
			}
			store.SetInstKeys(sig, enc)
		}
	}

	if tan, ok := sec.(passport.TANContext); ok {
		if raw, ok := resp.Value(ports.ValueAllowedTwoStep); ok {
			var codes []string
			for _, code := range strings.Split(raw, ",") {
				if code = strings.TrimSpace(code); code != "" {
					codes = append(codes, code)
				}
			}
			tan.SetAllowedTANProcedures(codes)
		}
	}
	return nil
}

// batches splits the queued jobs at forced boundaries and at the
// institute's task-count and size limits.
func (d *Dialog) batches() [][]*domain.Job {
	bpd := d.h.sec.BPD()
	maxTasks := bpd.MaxTasksPerMessage()
	maxSize := bpd.MaxMessageSizeKB() * 1024

	var (
		out     [][]*domain.Job
		current []*domain.Job
		size    int
	)
	for i, job := range d.jobs {
		jobSize := job.EstimatedSize()
		full := (maxTasks > 0 && len(current) >= maxTasks) ||
			(maxSize > 0 && len(current) > 0 && size+jobSize > maxSize)
		if len(current) > 0 && (d.breaks[i] || full) {
			out = append(out, current)
			current, size = nil, 0
		}
		current = append(current, job)
		size += jobSize
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

// runBatch sends one batch and follows touchdown points until every job is
// answered. Jobs are completed as soon as they have no continuation left.
func (d *Dialog) runBatch(ctx context.Context, dialogID string, msgNum *int, batch []*domain.Job) ([]domain.MessageStatus, error) {
	var statuses []domain.MessageStatus
	pending := batch

	for len(pending) > 0 {
		tasks := make([]domain.Task, len(pending))
		for i, job := range pending {
			tasks[i] = job.Task(i + 1)
		}

		*msgNum++
		resp, msgStatus, err := d.exchange(ctx, exchangeRequest{
			kind:     ports.MessageBody,
			dialogID: dialogID,
			msgNum:   *msgNum,
			tasks:    tasks,
		})
		statuses = append(statuses, msgStatus)
		if err != nil {
			return statuses, err
		}

		if needsTAN(resp) {
			tan, ok := d.h.sec.(passport.TANContext)
			if !ok {
				return statuses, fmt.Errorf("institute asked for a TAN: %w for %s contexts", domain.ErrUnsupportedOperation, d.h.sec.Variant())
			}
			tan.SetPendingChallenge(resp.Challenge, resp.ChallengeHHDUC)
			*msgNum++
			resp, msgStatus, err = d.exchange(ctx, exchangeRequest{
				kind:     ports.MessageTAN,
				dialogID: dialogID,
				msgNum:   *msgNum,
			})
			tan.ClearPendingChallenge()
			statuses = append(statuses, msgStatus)
			if err != nil {
				return statuses, err
			}
		}

		var next []*domain.Job
		for i, job := range pending {
			task, ok := resp.Task(i + 1)
			if !ok {
				verr := domain.NewValidationError(domain.FaultBadResponse, "institute sent no answer for job %s (task %d)", job.Name(), i+1)
				if err := d.h.faultHandler(ctx)(verr); err != nil {
					job.Fail(err)
					continue
				}
			}
			if err := job.Record(task.Values, task.RetVals); err != nil {
				return statuses, fmt.Errorf("record %s result: %w", job.Name(), err)
			}
			if offset, ok := job.Touchdown(); ok {
				job.SetWireParam(paramOffset, offset)
				next = append(next, job)
				continue
			}
			if err := job.Complete(d.h.faultHandler(ctx)); err != nil {
				d.h.logger.Warn("job result incomplete", "job", job.Name(), "error", err)
			}
		}
		pending = next
	}
	return statuses, nil
}

func needsTAN(resp ports.Response) bool {
	if resp.Challenge != "" || resp.ChallengeHHDUC != "" {
		return true
	}
	for _, rv := range resp.RetVals {
		if rv.Code == domain.RetCodeTANRequired {
			return true
		}
	}
	return false
}

func (d *Dialog) failAll(jobs []*domain.Job, err error) {
	for _, job := range jobs {
		job.Fail(err)
	}
}

func (d *Dialog) outcomes() []domain.JobOutcome {
	out := make([]domain.JobOutcome, 0, len(d.jobs))
	for _, job := range d.jobs {
		out = append(out, domain.JobOutcome{
			Name:    job.Name(),
			Status:  job.Result().Status(),
			RetVals: job.Result().RetVals(),
		})
	}
	return out
}

func firstError(retVals []domain.RetVal) string {
	for _, rv := range retVals {
		if rv.IsError() {
			return rv.String()
		}
	}
	return "unknown error"
}
