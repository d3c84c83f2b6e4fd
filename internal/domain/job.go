package domain

import (
	"errors"
	"fmt"
	"strings"
)

// FilterClass tells the log filter how sensitive a value is.
type FilterClass int

const (
	FilterNone FilterClass = iota
	FilterSecrets
	FilterIDs
	FilterMost
)

type Constraint struct {
	Source   string
	Target   string
	Default  string
	Required bool
	Filter   FilterClass
}

type Value struct {
	Name  string
	Value string
}

// Task is the codec-facing view of one queued job.
type Task struct {
	Ref     int
	Job     string
	Version string
	Params  []Value
}

type JobHooks struct {
	// Prepare runs once the constraints are applied, before the job is queued.
	Prepare func(job *Job) error
	// Extract turns the collected response values into the typed payload.
	Extract func(job *Job, values []Value) (any, error)
}

type Job struct {
	name        string
	lowlevel    string
	version     string
	constraints []Constraint
	params      map[string]string
	order       []string
	wire        []Value
	hooks       JobHooks
	result      *JobResult
	queued      bool
}

func NewJob(name, lowlevel, version string, constraints []Constraint, hooks JobHooks) *Job {
	if lowlevel == "" {
		lowlevel = name
	}

	return &Job{
		name:        name,
		lowlevel:    lowlevel,
		version:     version,
		constraints: append([]Constraint(nil), constraints...),
		params:      map[string]string{},
		hooks:       hooks,
		result:      &JobResult{},
	}
}

func (j *Job) Name() string {
	return j.name
}

func (j *Job) Lowlevel() string {
	return j.lowlevel
}

func (j *Job) Version() string {
	return j.version
}

func (j *Job) Result() *JobResult {
	return j.result
}

func (j *Job) Queued() bool {
	return j.queued
}

func (j *Job) Constraints() []Constraint {
	return append([]Constraint(nil), j.constraints...)
}

func (j *Job) SetParam(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty key for job %s", ErrUnknownParam, j.name)
	}
	if len(j.constraints) > 0 {
		if _, ok := j.constraint(key); !ok {
			return fmt.Errorf("%w: job %s has no parameter %q", ErrUnknownParam, j.name, key)
		}
	}

	if _, seen := j.params[key]; !seen {
		j.order = append(j.order, key)
	}
	j.params[key] = value

	return nil
}

func (j *Job) Param(key string) (string, bool) {
	value, ok := j.params[key]
	return value, ok
}

// Params returns the caller-supplied parameters in insertion order.
func (j *Job) Params() []Value {
	values := make([]Value, 0, len(j.order))
	for _, key := range j.order {
		values = append(values, Value{Name: key, Value: j.params[key]})
	}
	return values
}

func (j *Job) Filter(key string) FilterClass {
	if c, ok := j.constraint(key); ok {
		return c.Filter
	}
	return FilterNone
}

// SetWireParam sets a parameter directly in wire terms, replacing an earlier value.
func (j *Job) SetWireParam(name, value string) {
	for i := range j.wire {
		if j.wire[i].Name == name {
			j.wire[i].Value = value
			return
		}
	}
	j.wire = append(j.wire, Value{Name: name, Value: value})
}

func (j *Job) WireParam(name string) (string, bool) {
	for _, v := range j.wire {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

func (j *Job) WireParams() []Value {
	return append([]Value(nil), j.wire...)
}

// Build applies the constraints and the prepare hook. Every constraint
// violation is passed to handle; a nil return skips the offending parameter.
func (j *Job) Build(handle func(*ValidationError) error) error {
	if handle == nil {
		handle = func(verr *ValidationError) error { return verr }
	}

	if len(j.constraints) == 0 {
		for _, v := range j.Params() {
			j.SetWireParam(v.Name, v.Value)
		}
	}

	for _, c := range j.constraints {
		value, ok := j.params[c.Source]
		if !ok || value == "" {
			if c.Required && c.Default == "" {
				if err := handle(NewValidationError(FaultMissingParam, "job %s requires parameter %q", j.name, c.Source)); err != nil {
					return err
				}
				continue
			}
			value = c.Default
		}
		if value == "" {
			continue
		}
		j.SetWireParam(c.Target, value)
	}

	if j.hooks.Prepare != nil {
		if err := j.hooks.Prepare(j); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return handle(verr)
			}
			return fmt.Errorf("prepare job %s: %w", j.name, err)
		}
	}

	return nil
}

func (j *Job) Enqueue() error {
	if j.queued {
		return fmt.Errorf("%w: %s", ErrJobAlreadyQueued, j.name)
	}
	j.queued = true
	return nil
}

func (j *Job) Task(ref int) Task {
	return Task{Ref: ref, Job: j.lowlevel, Version: j.version, Params: j.WireParams()}
}

// EstimatedSize approximates the encoded size of the job's parameters.
func (j *Job) EstimatedSize() int {
	size := len(j.lowlevel) + len(j.version) + 16
	for _, v := range j.wire {
		size += len(v.Name) + len(v.Value) + 2
	}
	return size
}

// Record adds one round of response data to the result.
func (j *Job) Record(values []Value, retVals []RetVal) error {
	if err := j.result.addRetVals(retVals...); err != nil {
		return err
	}
	return j.result.addValues(values...)
}

// Touchdown returns the continuation point of the last response round, if any.
func (j *Job) Touchdown() (string, bool) {
	return j.result.touchdown()
}

// Complete runs the extract hook and seals the result. An extract failure
// that is a ValidationError goes through handle; a nil return keeps the
// result usable without a payload.
func (j *Job) Complete(handle func(*ValidationError) error) error {
	if j.result.Sealed() {
		return fmt.Errorf("%w: %s", ErrResultSealed, j.name)
	}
	defer func() { j.result.sealed = true }()

	if j.hooks.Extract == nil || j.result.hasError() {
		return nil
	}

	payload, err := j.hooks.Extract(j, j.result.Values())
	if err == nil {
		j.result.payload = payload
		return nil
	}

	var verr *ValidationError
	if handle != nil && errors.As(err, &verr) {
		if herr := handle(verr); herr == nil {
			return nil
		}
	}

	j.result.err = fmt.Errorf("extract job %s result: %w", j.name, err)
	return j.result.err
}

// Fail seals the result with err unless it is sealed already.
func (j *Job) Fail(err error) {
	if j.result.Sealed() {
		return
	}
	j.result.err = err
	j.result.sealed = true
}

func (j *Job) constraint(source string) (Constraint, bool) {
	for _, c := range j.constraints {
		if c.Source == source {
			return c, true
		}
	}
	return Constraint{}, false
}
