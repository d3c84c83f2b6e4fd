package domain

import (
	"errors"
	"fmt"
)

var (
	ErrFatalInit            = errors.New("handler initialization failed")
	ErrEmptyVersion         = errors.New("protocol version is empty")
	ErrUnknownJob           = errors.New("unknown job")
	ErrCreateJobFailed      = errors.New("create job failed")
	ErrEmptyCredential      = errors.New("empty credential")
	ErrInvalidPassphrase    = errors.New("invalid passphrase")
	ErrDialogFault          = errors.New("dialog fault")
	ErrHandoffTimeout       = errors.New("threaded handoff timed out")
	ErrNoKeyStorage         = errors.New("security context has no key storage")
	ErrUnsupportedOperation = errors.New("operation not supported")
	ErrMissingCallback      = errors.New("callback handler is not configured")
	ErrHandlerClosed        = errors.New("handler is closed")
	ErrJobAlreadyQueued     = errors.New("job already queued")
	ErrResultSealed         = errors.New("job result is sealed")
	ErrUnknownParam         = errors.New("unknown job parameter")
	ErrNoPendingHandoff     = errors.New("no pending threaded callback")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrSecretNotFound       = errors.New("secret not found")
)

type FaultClass string

const (
	FaultInvalidParam FaultClass = "invalid_param"
	FaultMissingParam FaultClass = "missing_param"
	FaultBadResponse  FaultClass = "bad_response"
	FaultCreateJob    FaultClass = "create_job"
)

func (c FaultClass) Valid() bool {
	switch c {
	case FaultInvalidParam, FaultMissingParam, FaultBadResponse, FaultCreateJob:
		return true
	default:
		return false
	}
}

// ValidationError is a fault whose handling can be downgraded per class.
type ValidationError struct {
	Class FaultClass
	Msg   string
	Err   error
}

func NewValidationError(class FaultClass, format string, args ...any) *ValidationError {
	return &ValidationError{Class: class, Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
