package application

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bnema/hbci-go/internal/domain"
)

const (
	JobTransfer     = "UebSEPA"
	JobSEPAInfo     = "SEPAInfo"
	JobBalance      = "SaldoReq"
	JobStatus       = "Status"
	JobTANMediaList = "TANMediaList"

	defaultPainVersion = "pain.001.001.02"
	painTransferPrefix = "pain.001."
	maxMessageIDLength = 35
)

type builtinJob struct {
	name     string
	lowlevel string
	factory  JobFactory
}

var builtinJobs = []builtinJob{
	{name: JobTransfer, lowlevel: "UebSEPA", factory: newTransferJob},
	{name: JobSEPAInfo, lowlevel: "SEPAInfo", factory: newSEPAInfoJob},
	{name: JobBalance, lowlevel: "Saldo", factory: newBalanceJob},
	{name: JobStatus, lowlevel: "Status", factory: newStatusJob},
	{name: JobTANMediaList, lowlevel: "TANMediaList", factory: newTANMediaListJob},
}

var (
	ibanPattern   = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]{11,30}$`)
	amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,2})?$`)
	painPattern   = regexp.MustCompile(`pain\.[0-9]{3}\.[0-9]{3}\.[0-9]{2}`)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	mustRegister(v, "iban", func(fl validator.FieldLevel) bool {
		return ibanPattern.MatchString(strings.ReplaceAll(fl.Field().String(), " ", ""))
	})
	mustRegister(v, "amount", func(fl validator.FieldLevel) bool {
		return amountPattern.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// invalidParams turns a validator failure into a downgradable fault.
func invalidParams(job string, err error) error {
	if err == nil {
		return nil
	}
	verr := domain.NewValidationError(domain.FaultInvalidParam, "job %s has invalid parameters", job)
	verr.Err = err
	return verr
}

// lowlevelVersion returns the highest version the institute offers for lowlevel.
func lowlevelVersion(h *Handler, lowlevel string) (string, error) {
	version, ok := h.sec.BPD().SupportedJobs()[lowlevel]
	if !ok {
		return "", fmt.Errorf("%w: institute does not offer %s", domain.ErrUnsupportedOperation, lowlevel)
	}
	return version, nil
}

type transferInput struct {
	SrcIBAN  string `validate:"required,iban"`
	SrcBIC   string `validate:"omitempty,bic"`
	DstIBAN  string `validate:"required,iban"`
	DstBIC   string `validate:"omitempty,bic"`
	Amount   string `validate:"required,amount"`
	Currency string `validate:"required,iso4217"`
}

func newTransferJob(h *Handler) (*domain.Job, error) {
	version, err := lowlevelVersion(h, "UebSEPA")
	if err != nil {
		return nil, err
	}

	constraints := []domain.Constraint{
		{Source: "src.iban", Target: "My.iban", Required: true, Filter: domain.FilterIDs},
		{Source: "src.bic", Target: "My.bic", Filter: domain.FilterIDs},
		{Source: "dst.iban", Target: "Other.iban", Required: true, Filter: domain.FilterIDs},
		{Source: "dst.bic", Target: "Other.bic", Filter: domain.FilterIDs},
		{Source: "dst.name", Target: "Other.name", Filter: domain.FilterMost},
		{Source: "amount", Target: "BTG.value", Required: true},
		{Source: "currency", Target: "BTG.curr", Default: "EUR"},
		{Source: "usage", Target: "usage", Filter: domain.FilterMost},
	}

	hooks := domain.JobHooks{
		Prepare: func(job *domain.Job) error {
			wire := func(name string) string {
				v, _ := job.WireParam(name)
				return v
			}
			input := transferInput{
				SrcIBAN:  wire("My.iban"),
				SrcBIC:   wire("My.bic"),
				DstIBAN:  wire("Other.iban"),
				DstBIC:   wire("Other.bic"),
				Amount:   wire("BTG.value"),
				Currency: wire("BTG.curr"),
			}
			if err := invalidParams(job.Name(), validate.Struct(input)); err != nil {
				return err
			}

			if input.SrcBIC == "" {
				if acc, ok := h.sec.UPD().AccountByIBAN(input.SrcIBAN); ok && acc.BIC != "" {
					job.SetWireParam("My.bic", acc.BIC)
				}
			}

			painVersion := transferPainVersion(h.sec.BPD().JobRestrictions("SEPAInfo")["suppformats"])
			job.SetWireParam("sepadescr", painVersion)

			msgID := fmt.Sprintf("%d-%s", h.clock.Now().UnixMilli(), h.sec.Identity().UserID)
			if len(msgID) > maxMessageIDLength {
				msgID = msgID[:maxMessageIDLength]
			}
			job.SetWireParam("msgid", msgID)

			if h.pain != nil {
				fields := map[string]string{}
				for _, v := range job.WireParams() {
					fields[v.Name] = v.Value
				}
				doc, err := h.pain.Generate(painVersion, fields)
				if err != nil {
					return fmt.Errorf("generate %s document: %w", painVersion, err)
				}
				job.SetWireParam("sepapain", string(doc))
			}
			return nil
		},
		Extract: func(job *domain.Job, values []domain.Value) (any, error) {
			msgID, _ := job.WireParam("msgid")
			painVersion, _ := job.WireParam("sepadescr")
			orderID, _ := lastValue(values, "orderid")
			return domain.TransferReceipt{
				Accepted:    true,
				OrderID:     orderID,
				MessageID:   msgID,
				PainVersion: painVersion,
			}, nil
		},
	}

	return domain.NewJob(JobTransfer, "UebSEPA", version, constraints, hooks), nil
}

// transferPainVersion picks the highest pain.001 format the institute lists.
func transferPainVersion(suppformats string) string {
	best := ""
	for _, format := range painPattern.FindAllString(suppformats, -1) {
		if !strings.HasPrefix(format, painTransferPrefix) {
			continue
		}
		if format > best {
			best = format
		}
	}
	if best == "" {
		return defaultPainVersion
	}
	return best
}

func newSEPAInfoJob(h *Handler) (*domain.Job, error) {
	version, err := lowlevelVersion(h, "SEPAInfo")
	if err != nil {
		return nil, err
	}

	hooks := domain.JobHooks{
		Extract: func(_ *domain.Job, values []domain.Value) (any, error) {
			upd := h.sec.UPD()
			for _, entry := range indexed(values, "acc.") {
				if entry["number"] == "" {
					continue
				}
				if !upd.SetAccountSEPA(entry["number"], entry["iban"], entry["bic"]) {
					h.logger.Debug("SEPA info for unknown account", "account", entry["number"])
				}
			}
			upd[domain.ParamFetchedSEPA] = "1"
			h.sec.SetUPD(upd)
			return upd.Accounts(), nil
		},
	}
	return domain.NewJob(JobSEPAInfo, "SEPAInfo", version, nil, hooks), nil
}

type balanceInput struct {
	IBAN string `validate:"required,iban"`
	BIC  string `validate:"omitempty,bic"`
}

func newBalanceJob(h *Handler) (*domain.Job, error) {
	version, err := lowlevelVersion(h, "Saldo")
	if err != nil {
		return nil, err
	}

	constraints := []domain.Constraint{
		{Source: "my.iban", Target: "KTV.iban", Required: true, Filter: domain.FilterIDs},
		{Source: "my.bic", Target: "KTV.bic", Filter: domain.FilterIDs},
	}
	hooks := domain.JobHooks{
		Prepare: func(job *domain.Job) error {
			iban, _ := job.WireParam("KTV.iban")
			bic, _ := job.WireParam("KTV.bic")
			return invalidParams(job.Name(), validate.Struct(balanceInput{IBAN: iban, BIC: bic}))
		},
		Extract: func(job *domain.Job, values []domain.Value) (any, error) {
			value, ok := lastValue(values, "saldo.value")
			if !ok {
				return nil, domain.NewValidationError(domain.FaultBadResponse, "job %s: response carries no balance", job.Name())
			}
			iban, _ := job.WireParam("KTV.iban")
			curr, _ := lastValue(values, "saldo.curr")
			balance := domain.Balance{Account: iban, Value: value, Currency: curr}
			if raw, ok := lastValue(values, "saldo.timestamp"); ok {
				ts, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return nil, &domain.ValidationError{Class: domain.FaultBadResponse, Msg: "balance timestamp", Err: err}
				}
				balance.Timestamp = ts
			}
			return balance, nil
		},
	}
	return domain.NewJob(JobBalance, "Saldo", version, constraints, hooks), nil
}

type statusInput struct {
	StartDate string `validate:"omitempty,datetime=20060102"`
	EndDate   string `validate:"omitempty,datetime=20060102"`
	Max       string `validate:"omitempty,number"`
}

func newStatusJob(h *Handler) (*domain.Job, error) {
	version, err := lowlevelVersion(h, "Status")
	if err != nil {
		return nil, err
	}

	constraints := []domain.Constraint{
		{Source: "startdate", Target: "startdate"},
		{Source: "enddate", Target: "enddate"},
		{Source: "maxentries", Target: "maxentries"},
	}
	hooks := domain.JobHooks{
		Prepare: func(job *domain.Job) error {
			start, _ := job.WireParam("startdate")
			end, _ := job.WireParam("enddate")
			limit, _ := job.WireParam("maxentries")
			return invalidParams(job.Name(), validate.Struct(statusInput{StartDate: start, EndDate: end, Max: limit}))
		},
		Extract: func(job *domain.Job, values []domain.Value) (any, error) {
			var entries []domain.StatusEntry
			for _, e := range indexed(values, "entry.") {
				ts, err := time.Parse("20060102", e["date"])
				if err != nil {
					return nil, &domain.ValidationError{Class: domain.FaultBadResponse, Msg: "status entry date", Err: err}
				}
				entries = append(entries, domain.StatusEntry{
					Timestamp: ts,
					DialogID:  e["dialogid"],
					MsgNum:    e["msgnum"],
					SegRef:    e["segref"],
					RetVal:    domain.RetVal{Code: e["code"], Ref: e["ref"], Text: e["text"]},
				})
			}
			return entries, nil
		},
	}
	return domain.NewJob(JobStatus, "Status", version, constraints, hooks), nil
}

func newTANMediaListJob(h *Handler) (*domain.Job, error) {
	version, err := lowlevelVersion(h, "TANMediaList")
	if err != nil {
		return nil, err
	}

	constraints := []domain.Constraint{
		{Source: "mediatype", Target: "mediatype", Default: "1"},
		{Source: "mediacategory", Target: "mediacategory", Default: "A"},
	}
	hooks := domain.JobHooks{
		Extract: func(_ *domain.Job, values []domain.Value) (any, error) {
			var media []domain.TANMedium
			for _, e := range indexed(values, "media.") {
				media = append(media, domain.TANMedium{Name: e["name"], Status: e["status"], Number: e["number"]})
			}
			return media, nil
		},
	}
	return domain.NewJob(JobTANMediaList, "TANMediaList", version, constraints, hooks), nil
}

func lastValue(values []domain.Value, name string) (string, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		if values[i].Name == name {
			return values[i].Value, true
		}
	}
	return "", false
}

// indexed groups values named prefix+N+"."+field by N, in ascending order.
func indexed(values []domain.Value, prefix string) []map[string]string {
	groups := map[int]map[string]string{}
	for _, v := range values {
		rest, ok := strings.CutPrefix(v.Name, prefix)
		if !ok {
			continue
		}
		idx, field, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		if groups[n] == nil {
			groups[n] = map[string]string{}
		}
		groups[n][field] = v.Value
	}

	keys := make([]int, 0, len(groups))
	for n := range groups {
		keys = append(keys, n)
	}
	sort.Ints(keys)

	out := make([]map[string]string, 0, len(keys))
	for _, n := range keys {
		out = append(out, groups[n])
	}
	return out
}
