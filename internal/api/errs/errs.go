// Package errs provides the error types returned to API callers.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

// ErrCode represents an error code in the system. The name is surfaced to
// callers verbatim.
type ErrCode struct {
	name   string
	status int
}

// Name returns the wire name of the code.
func (ec ErrCode) Name() string { return ec.name }

// String implements the fmt.Stringer interface.
func (ec ErrCode) String() string { return ec.name }

// HTTPStatus returns the HTTP status the code is mapped to.
func (ec ErrCode) HTTPStatus() int { return ec.status }

// MarshalText implements the encoding.TextMarshaler interface.
func (ec ErrCode) MarshalText() ([]byte, error) { return []byte(ec.name), nil }

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (ec *ErrCode) UnmarshalText(data []byte) error {
	code, ok := codesByName[string(data)]
	if !ok {
		return fmt.Errorf("err code %q does not exist", string(data))
	}
	*ec = code
	return nil
}

// Equal compares two codes by name.
func (ec ErrCode) Equal(ec2 ErrCode) bool { return ec.name == ec2.name }

// Error represents an error in the system.
type Error struct {
	Code        ErrCode  `json:"code"`
	Message     string   `json:"message"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
	Retriable   bool     `json:"retriable,omitempty"`
	FuncName    string   `json:"-"`
	FileName    string   `json:"-"`
}

// New constructs an error based on an app error.
func New(code ErrCode, err error) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  err.Error(),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// Newf constructs an error based on a error message.
func Newf(code ErrCode, format string, v ...any) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, v...),
		FuncName: runtime.FuncForPC(pc).Name(),
		FileName: fmt.Sprintf("%s:%d", filename, line),
	}
}

// FromDomain converts an error returned by the onboarding service. Typed
// onboarding errors keep their code and resource IDs; anything else is an
// internal error whose details are only logged.
func FromDomain(err error) *Error {
	pc, filename, line, _ := runtime.Caller(1)

	var de *onboarding.Error
	if !errors.As(err, &de) {
		return &Error{
			Code:     InternalOnlyLog,
			Message:  err.Error(),
			FuncName: runtime.FuncForPC(pc).Name(),
			FileName: fmt.Sprintf("%s:%d", filename, line),
		}
	}

	code, ok := domainCodes[de.Code]
	if !ok {
		code = Internal
	}

	return &Error{
		Code:        code,
		Message:     de.Error(),
		ResourceIDs: de.ResourceIDs,
		Retriable:   de.Retriable(),
		FuncName:    runtime.FuncForPC(pc).Name(),
		FileName:    fmt.Sprintf("%s:%d", filename, line),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Encode implements the encoder interface.
func (e *Error) Encode() ([]byte, string, error) {
	data, err := json.Marshal(e)
	return data, "application/json", err
}

// HTTPStatus implements the web package httpStatus interface so the
// web framework can use the correct http status.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Equal provides support for the go-cmp package and testing.
func (e *Error) Equal(e2 *Error) bool {
	return e.Code.Equal(e2.Code) && e.Message == e2.Message
}

// IsError tests the concrete error is of the Error type.
func IsError(err error) bool {
	var er *Error
	return errors.As(err, &er)
}

// GetError returns a copy of the Error pointer.
func GetError(err error) *Error {
	var er *Error
	if !errors.As(err, &er) {
		return nil
	}
	return er
}
