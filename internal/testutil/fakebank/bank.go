package fakebank

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bnema/hbci-go/internal/domain"
	"github.com/bnema/hbci-go/internal/ports"
)

const oneStep = "999"

type Config struct {
	PIN string
	// TAN is the only TAN the bank accepts.
	TAN   string
	BPD   domain.Params
	UPD   domain.Params
	SysID string
	// TwoStep lists the procedure codes sent as allowed with every init reply.
	TwoStep   []string
	Challenge string
	HHDUC     string
	// Touchdowns sets how many continuation rounds a job needs.
	Touchdowns map[string]int
	// Results holds the values returned for each lowlevel job.
	Results map[string][]domain.Value
	// FailJobs answers the named jobs with the given error code.
	FailJobs       map[string]string
	InstSigKey     string
	InstEncKey     string
	ParameterNames map[string][]string
	ResultNames    map[string][]string
}

// DefaultConfig is an institute offering the built-in jobs over PIN/TAN.
func DefaultConfig() Config {
	return Config{
		PIN:   "1234",
		TAN:   "555555",
		SysID: "SYS-4711",
		BPD: domain.Params{
			"version":                    "12",
			"name":                       "Testbank",
			"jobs.UebSEPA":               "1",
			"jobs.SEPAInfo":              "1",
			"jobs.SEPAInfo.suppformats":  "urn:iso:std:iso:20022:tech:xsd:pain.001.001.03;urn:iso:std:iso:20022:tech:xsd:pain.001.002.03;urn:iso:std:iso:20022:tech:xsd:pain.008.003.02",
			"jobs.Saldo":                 "5,6",
			"jobs.Status":                "3",
			"jobs.TANMediaList":          "4",
			"jobs.TANMediaList.maxmedia": "5",
			"pintan.UebSEPA":             "J",
			"pintan.SEPAInfo":            "N",
			"pintan.Saldo":               "N",
			"pintan.Status":              "N",
			"pintan.TANMediaList":        "N",
			"twostep.942.name":           "mobileTAN",
			"twostep.942.inputinfo":      "TAN from SMS",
			"twostep.972.name":           "chipTAN optical",
			"twostep.972.inputinfo":      "TAN from generator",
		},
		UPD: domain.Params{
			"version":               "3",
			"accounts.0.number":     "0532013000",
			"accounts.0.blz":        "37040044",
			"accounts.0.country":    "DE",
			"accounts.0.curr":       "EUR",
			"accounts.0.name":       "Giro",
			"accounts.0.customerid": "user-7",
		},
		Results: map[string][]domain.Value{
			"SEPAInfo": {
				{Name: "acc.0.number", Value: "0532013000"},
				{Name: "acc.0.iban", Value: "DE89370400440532013000"},
				{Name: "acc.0.bic", Value: "COBADEFFXXX"},
			},
			"UebSEPA": {{Name: "orderid", Value: "ORD-1"}},
			"Saldo": {
				{Name: "saldo.value", Value: "1024.50"},
				{Name: "saldo.curr", Value: "EUR"},
				{Name: "saldo.timestamp", Value: "2026-10-17T08:30:00Z"},
			},
		},
		ParameterNames: map[string][]string{
			"Saldo": {"KTV.iban", "KTV.bic", "allaccounts"},
		},
		ResultNames: map[string][]string{
			"Saldo": {"saldo.value", "saldo.curr", "saldo.timestamp"},
		},
	}
}

// Exchange is one request the bank saw.
type Exchange struct {
	Kind       ports.MessageKind
	DialogID   string
	CustomerID string
	MsgNum     int
	Jobs       []string
	TAN        string
	BPDVersion string
	UPDVersion string
}

type Bank struct {
	mu         sync.Mutex
	cfg        Config
	dialogs    int
	open       string
	overlaps   int
	closes     int
	log        []Exchange
	customers  map[string]string
	pendingTAN map[string][]domain.Task
	rounds     map[string]int
}

func New(cfg Config) *Bank {
	return &Bank{
		cfg:        cfg,
		customers:  map[string]string{},
		pendingTAN: map[string][]domain.Task{},
		rounds:     map[string]int{},
	}
}

// Configure changes the bank's behaviour between exchanges.
func (b *Bank) Configure(fn func(cfg *Config)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.cfg)
}

func (b *Bank) Log() []Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Exchange(nil), b.log...)
}

// Overlaps counts dialogs that were initialized while another one was open.
func (b *Bank) Overlaps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overlaps
}

func (b *Bank) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *Bank) Exchange(ctx context.Context, wire []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, body, err := b.Open(wire)
	if err != nil {
		return nil, err
	}
	var msg message
	if err := json.Unmarshal(unpad(body), &msg); err != nil {
		return nil, fmt.Errorf("fakebank: parse request: %w", err)
	}

	b.mu.Lock()
	resp := b.handle(msg)
	b.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("fakebank: encode response: %w", err)
	}
	return b.Envelope(nil, data)
}

func (b *Bank) handle(msg message) ports.Response {
	pin, tan, _ := strings.Cut(string(msg.Signature), "|")

	entry := Exchange{
		Kind:       msg.Kind,
		DialogID:   msg.DialogID,
		CustomerID: msg.Identity.CustomerID,
		MsgNum:     msg.MsgNum,
		TAN:        tan,
		BPDVersion: msg.BPDVersion,
		UPDVersion: msg.UPDVersion,
	}
	for _, task := range msg.Tasks {
		entry.Jobs = append(entry.Jobs, task.Job)
	}

	if msg.Kind == ports.MessageInit {
		if b.open != "" {
			b.overlaps++
		}
		b.dialogs++
		msg.DialogID = "D" + strconv.Itoa(b.dialogs)
		entry.DialogID = msg.DialogID
		b.open = msg.DialogID
		b.customers[msg.DialogID] = msg.Identity.CustomerID
	}
	b.log = append(b.log, entry)

	resp := ports.Response{DialogID: msg.DialogID}
	if len(msg.Signature) > 0 && pin != b.cfg.PIN {
		resp.RetVals = []domain.RetVal{{Code: "9931", Text: "PIN wrong"}}
		return resp
	}
	if owner, ok := b.customers[msg.DialogID]; ok && owner != msg.Identity.CustomerID {
		resp.RetVals = []domain.RetVal{{Code: "9800", Text: "customer id changed within dialog"}}
		return resp
	}

	switch msg.Kind {
	case ports.MessageInit:
		return b.handleInit(msg, tan, resp)
	case ports.MessageBody:
		return b.handleTasks(msg, tan, msg.Tasks, resp)
	case ports.MessageTAN:
		tasks := b.pendingTAN[msg.DialogID]
		delete(b.pendingTAN, msg.DialogID)
		if tan != b.cfg.TAN {
			resp.RetVals = []domain.RetVal{{Code: "9941", Text: "TAN wrong"}}
			return resp
		}
		return b.handleTasks(msg, tan, tasks, resp)
	case ports.MessageEnd:
		if b.open == msg.DialogID {
			b.open = ""
		}
		resp.RetVals = []domain.RetVal{{Code: "0100", Text: "dialog ended"}}
		return resp
	default:
		resp.RetVals = []domain.RetVal{{Code: "9010", Text: "unknown message kind"}}
		return resp
	}
}

func (b *Bank) handleInit(msg message, tan string, resp ports.Response) ports.Response {
	if msg.TANVerify && tan != b.cfg.TAN {
		resp.RetVals = []domain.RetVal{{Code: "9941", Text: "TAN wrong"}}
		return resp
	}

	if msg.BPDVersion != b.cfg.BPD.Version() {
		for _, k := range b.cfg.BPD.Keys() {
			resp.Values = append(resp.Values, domain.Value{Name: ports.ValueBPDPrefix + k, Value: b.cfg.BPD[k]})
		}
	}
	if len(msg.Signature) > 0 && msg.UPDVersion != b.cfg.UPD.Version() {
		for _, k := range b.cfg.UPD.Keys() {
			resp.Values = append(resp.Values, domain.Value{Name: ports.ValueUPDPrefix + k, Value: b.cfg.UPD[k]})
		}
	}
	if len(b.cfg.TwoStep) > 0 {
		resp.Values = append(resp.Values, domain.Value{Name: ports.ValueAllowedTwoStep, Value: strings.Join(b.cfg.TwoStep, ",")})
	}

	switch msg.Purpose {
	case ports.PurposeSyncSysID:
		resp.Values = append(resp.Values, domain.Value{Name: ports.ValueSysID, Value: b.cfg.SysID})
	case ports.PurposeSyncSigID:
		resp.Values = append(resp.Values, domain.Value{Name: ports.ValueSigID, Value: "1"})
	case ports.PurposeInstKeys:
		resp.Values = append(resp.Values,
			domain.Value{Name: ports.ValueInstSigKey, Value: b.cfg.InstSigKey},
			domain.Value{Name: ports.ValueInstEncKey, Value: b.cfg.InstEncKey},
		)
	}

	resp.RetVals = []domain.RetVal{{Code: "0020", Text: "dialog initialized"}}
	return resp
}

func (b *Bank) handleTasks(msg message, tan string, tasks []domain.Task, resp ports.Response) ports.Response {
	twoStep := msg.TANProcedure != "" && msg.TANProcedure != oneStep

	needTAN := false
	for _, task := range tasks {
		if b.cfg.BPD.PinTanInfo(task.Job) == "J" {
			needTAN = true
		}
	}
	if needTAN && twoStep && msg.Kind == ports.MessageBody {
		b.pendingTAN[msg.DialogID] = tasks
		resp.RetVals = []domain.RetVal{{Code: domain.RetCodeTANRequired, Text: "TAN required"}}
		resp.Challenge = b.cfg.Challenge
		resp.ChallengeHHDUC = b.cfg.HHDUC
		return resp
	}
	if needTAN && tan != b.cfg.TAN {
		resp.RetVals = []domain.RetVal{{Code: "9941", Text: "TAN wrong"}}
		return resp
	}

	failed := false
	for _, task := range tasks {
		tr := ports.TaskResponse{Ref: task.Ref}
		if code, ok := b.cfg.FailJobs[task.Job]; ok {
			failed = true
			tr.RetVals = []domain.RetVal{{Code: code, Text: "job rejected"}}
			resp.Tasks = append(resp.Tasks, tr)
			continue
		}

		key := msg.DialogID + "/" + task.Job
		if _, cont := paramValue(task.Params, "offset"); !cont {
			b.rounds[key] = b.cfg.Touchdowns[task.Job]
		}
		tr.Values = append(tr.Values, b.cfg.Results[task.Job]...)
		if left := b.rounds[key]; left > 0 {
			b.rounds[key] = left - 1
			tr.RetVals = []domain.RetVal{{Code: domain.RetCodeTouchdown, Text: "more data", Params: []string{"T" + strconv.Itoa(left)}}}
		} else {
			tr.RetVals = []domain.RetVal{{Code: "0020", Text: "job executed"}}
		}
		resp.Tasks = append(resp.Tasks, tr)
	}

	if failed {
		resp.RetVals = []domain.RetVal{{Code: "3010", Text: "some jobs failed"}}
	} else {
		resp.RetVals = []domain.RetVal{{Code: "0010", Text: "message accepted"}}
	}
	return resp
}

func paramValue(params []domain.Value, name string) (string, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
