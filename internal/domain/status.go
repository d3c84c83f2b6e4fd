package domain

import (
	"fmt"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFaulted Outcome = "faulted"
)

type MessageStatus struct {
	Kind    string
	MsgNum  int
	RetVals []RetVal
	Err     error
}

func (m MessageStatus) IsOK() bool {
	if m.Err != nil {
		return false
	}
	for _, rv := range m.RetVals {
		if rv.IsError() {
			return false
		}
	}
	return true
}

type JobOutcome struct {
	Name    string
	Status  JobStatus
	RetVals []RetVal
}

type DialogStatus struct {
	CustomerID string
	DialogID   string
	Init       MessageStatus
	Messages   []MessageStatus
	End        MessageStatus
	Jobs       []JobOutcome
	Err        error
}

func (s DialogStatus) IsOK() bool {
	if s.Err != nil || !s.Init.IsOK() || !s.End.IsOK() {
		return false
	}
	for _, msg := range s.Messages {
		if !msg.IsOK() {
			return false
		}
	}
	return true
}

func (s DialogStatus) Outcome() Outcome {
	if s.IsOK() {
		return OutcomeOK
	}
	if !s.Init.IsOK() {
		return OutcomeFaulted
	}
	for _, msg := range s.Messages {
		if msg.IsOK() {
			return OutcomePartial
		}
	}
	if len(s.Messages) == 0 && s.Err == nil {
		return OutcomePartial
	}
	return OutcomeFaulted
}

type CustomerOutcome struct {
	CustomerID string
	Status     *DialogStatus
	Err        error
}

// ExecStatus aggregates the dialogs of one execute call. It is immutable once built.
type ExecStatus struct {
	order   []string
	dialogs map[string]DialogStatus
	faults  map[string]error
}

func NewExecStatus(outcomes ...CustomerOutcome) *ExecStatus {
	s := &ExecStatus{
		dialogs: map[string]DialogStatus{},
		faults:  map[string]error{},
	}
	for _, o := range outcomes {
		if _, seen := s.dialogs[o.CustomerID]; !seen {
			if _, seen := s.faults[o.CustomerID]; !seen {
				s.order = append(s.order, o.CustomerID)
			}
		}
		if o.Status != nil {
			s.dialogs[o.CustomerID] = *o.Status
		}
		if o.Err != nil {
			s.faults[o.CustomerID] = o.Err
		}
	}
	return s
}

// CustomerIDs lists customers in execution order.
func (s *ExecStatus) CustomerIDs() []string {
	return append([]string(nil), s.order...)
}

func (s *ExecStatus) DialogStatus(customerID string) (DialogStatus, bool) {
	st, ok := s.dialogs[customerID]
	return st, ok
}

func (s *ExecStatus) Fault(customerID string) error {
	return s.faults[customerID]
}

func (s *ExecStatus) Faults() map[string]error {
	out := make(map[string]error, len(s.faults))
	for k, v := range s.faults {
		out[k] = v
	}
	return out
}

func (s *ExecStatus) OutcomeFor(customerID string) Outcome {
	st, hasStatus := s.dialogs[customerID]
	_, hasFault := s.faults[customerID]
	switch {
	case !hasStatus:
		return OutcomeFaulted
	case hasFault && st.Outcome() == OutcomeOK:
		return OutcomePartial
	default:
		return st.Outcome()
	}
}

func (s *ExecStatus) Outcome() Outcome {
	if len(s.order) == 0 {
		return OutcomeOK
	}
	okCount, faulted := 0, 0
	for _, id := range s.order {
		switch s.OutcomeFor(id) {
		case OutcomeOK:
			okCount++
		case OutcomeFaulted:
			faulted++
		}
	}
	switch {
	case okCount == len(s.order):
		return OutcomeOK
	case faulted == len(s.order):
		return OutcomeFaulted
	default:
		return OutcomePartial
	}
}

func (s *ExecStatus) IsOK() bool {
	return s.Outcome() == OutcomeOK
}

func (s *ExecStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "execution: %d dialog(s), outcome %s\n", len(s.order), s.Outcome())
	for _, id := range s.order {
		fmt.Fprintf(&b, "customer %s: %s", id, s.OutcomeFor(id))
		st, ok := s.dialogs[id]
		if ok && st.DialogID != "" {
			fmt.Fprintf(&b, " (dialog %s)", st.DialogID)
		}
		b.WriteString("\n")
		if ok {
			writeMessage(&b, "init", st.Init)
			for _, msg := range st.Messages {
				writeMessage(&b, fmt.Sprintf("msg %d", msg.MsgNum), msg)
			}
			writeMessage(&b, "end", st.End)
			for _, job := range st.Jobs {
				fmt.Fprintf(&b, "  job %s: %s\n", job.Name, job.Status)
			}
		}
		if err := s.faults[id]; err != nil {
			fmt.Fprintf(&b, "  fault: %v\n", err)
		}
	}
	return b.String()
}

func writeMessage(b *strings.Builder, label string, msg MessageStatus) {
	if msg.Kind == "" && len(msg.RetVals) == 0 && msg.Err == nil {
		return
	}
	for _, rv := range msg.RetVals {
		fmt.Fprintf(b, "  %s: %s\n", label, rv)
	}
	if msg.Err != nil {
		fmt.Fprintf(b, "  %s: error: %v\n", label, msg.Err)
	}
}

// ThreadedStatus is what a threaded execution hands back to its caller.
type ThreadedStatus struct {
	Callback *CallbackRequest
	Exec     *ExecStatus
}

func (s ThreadedStatus) IsCallback() bool {
	return s.Callback != nil
}

func (s ThreadedStatus) IsFinished() bool {
	return s.Callback == nil
}

type JournalEntry struct {
	ExecutionID string
	CustomerID  string
	DialogID    string
	Outcome     Outcome
	Jobs        int
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}
