package logging

import (
	"errors"
	"fmt"
	"strings"
)

// OperationError annotates an error with the operation and request it failed in.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.prefix() + e.Err.Error()
}

func (e *OperationError) prefix() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): ", e.Operation, e.RequestID)
	}
	return e.Operation + ": "
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and request it failed in.
// A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// Unannotated removes every OperationError annotation from err's message so it
// can be shown to a client without internal operation names. Outer layers are
// peeled off; annotations further down the chain are cut out of the text while
// errors.Is and errors.As keep working on the result.
func Unannotated(err error) error {
	for {
		opErr, ok := err.(*OperationError)
		if !ok || opErr == nil || opErr.Err == nil {
			break
		}
		err = opErr.Err
	}
	if err == nil {
		return nil
	}

	msg := err.Error()
	stripped := msg
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(inner) {
		if opErr, ok := inner.(*OperationError); ok && opErr.Err != nil {
			stripped = strings.Replace(stripped, opErr.prefix(), "", 1)
		}
	}
	if stripped == msg {
		return err
	}
	return &unannotatedError{msg: stripped, err: err}
}

type unannotatedError struct {
	msg string
	err error
}

func (e *unannotatedError) Error() string { return e.msg }

func (e *unannotatedError) Unwrap() error { return e.err }
