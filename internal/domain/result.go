package domain

import (
	"fmt"
	"strings"
)

const (
	RetCodeTouchdown   = "3040"
	RetCodeTANRequired = "0030"
)

type RetVal struct {
	Code   string
	Ref    string
	Text   string
	Params []string
}

func (r RetVal) IsSuccess() bool {
	return strings.HasPrefix(r.Code, "0")
}

func (r RetVal) IsWarning() bool {
	return strings.HasPrefix(r.Code, "3")
}

func (r RetVal) IsError() bool {
	return strings.HasPrefix(r.Code, "9")
}

func (r RetVal) String() string {
	if r.Text == "" {
		return r.Code
	}
	return r.Code + " " + r.Text
}

type JobStatus int

const (
	JobStatusUnknown JobStatus = iota
	JobStatusOK
	JobStatusWarning
	JobStatusError
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusOK:
		return "ok"
	case JobStatusWarning:
		return "warning"
	case JobStatusError:
		return "error"
	default:
		return "unknown"
	}
}

type JobResult struct {
	retVals   []RetVal
	lastRound []RetVal
	values    []Value
	payload   any
	err       error
	sealed    bool
}

func (r *JobResult) Status() JobStatus {
	if r.hasError() {
		return JobStatusError
	}
	if !r.sealed {
		return JobStatusUnknown
	}
	for _, rv := range r.retVals {
		if rv.IsWarning() {
			return JobStatusWarning
		}
	}
	return JobStatusOK
}

func (r *JobResult) IsOK() bool {
	status := r.Status()
	return status == JobStatusOK || status == JobStatusWarning
}

func (r *JobResult) Sealed() bool {
	return r.sealed
}

func (r *JobResult) Err() error {
	return r.err
}

func (r *JobResult) RetVals() []RetVal {
	return append([]RetVal(nil), r.retVals...)
}

func (r *JobResult) Values() []Value {
	return append([]Value(nil), r.values...)
}

func (r *JobResult) Value(name string) (string, bool) {
	for i := len(r.values) - 1; i >= 0; i-- {
		if r.values[i].Name == name {
			return r.values[i].Value, true
		}
	}
	return "", false
}

func (r *JobResult) Payload() any {
	return r.payload
}

func (r *JobResult) hasError() bool {
	if r.err != nil {
		return true
	}
	for _, rv := range r.retVals {
		if rv.IsError() {
			return true
		}
	}
	return false
}

func (r *JobResult) addRetVals(retVals ...RetVal) error {
	if r.sealed {
		return ErrResultSealed
	}
	r.retVals = append(r.retVals, retVals...)
	r.lastRound = append([]RetVal(nil), retVals...)
	return nil
}

func (r *JobResult) addValues(values ...Value) error {
	if r.sealed {
		return ErrResultSealed
	}
	r.values = append(r.values, values...)
	return nil
}

func (r *JobResult) touchdown() (string, bool) {
	for _, rv := range r.lastRound {
		if rv.Code == RetCodeTouchdown && len(rv.Params) > 0 && rv.Params[0] != "" {
			return rv.Params[0], true
		}
	}
	return "", false
}

// Payload casts the typed result of a completed job.
func Payload[T any](job *Job) (T, error) {
	var zero T
	if job == nil {
		return zero, fmt.Errorf("%w: nil job", ErrUnknownJob)
	}
	payload, ok := job.Result().Payload().(T)
	if !ok {
		return zero, fmt.Errorf("job %s has no %T result", job.Name(), zero)
	}
	return payload, nil
}
