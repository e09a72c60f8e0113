// Package coreerr implements the error taxonomy shared by every layer of
// the probe/DP/AP/NVM stack: a small, closed set of error codes with a
// recoverable bit, so callers above the operations layer never have to
// sniff transport-level error strings.
package coreerr

import (
	"fmt"

	"github.com/cesanta/errors"
)

// Code is the closed set of error kinds a caller of the core can observe.
type Code string

const (
	DeviceNotFound     Code = "DEVICE_NOT_FOUND"
	ConnectionFailed   Code = "CONNECTION_FAILED"
	TargetNotConnected Code = "TARGET_NOT_CONNECTED"
	TransferFailed     Code = "TRANSFER_FAILED"
	Timeout            Code = "TIMEOUT"
	InvalidData        Code = "INVALID_DATA"
	EraseFailed        Code = "ERASE_FAILED"
	WriteFailed        Code = "WRITE_FAILED"
	VerifyFailed       Code = "VERIFY_FAILED"
	Unknown            Code = "UNKNOWN"
)

// recoverable is the table from spec §7: wires-not-touching, power
// glitches and moving targets are recoverable; everything else requires
// operator intervention.
var recoverable = map[Code]bool{
	TargetNotConnected: true,
	TransferFailed:     true,
	Timeout:            true,
}

// Error is the Err side of the Result sum type of spec §3.
type Error struct {
	Code        Code
	Message     string
	Recoverable bool
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a CoreError of the given code, deriving Recoverable from the
// code table above.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverable[code],
	}
}

// Wrap annotates cause with a CoreError of the given code, tracing the
// underlying error the way the teacher's errors.Annotatef chains do.
func Wrap(cause error, code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverable[code],
		Cause:       errors.Trace(cause),
	}
}

// As reports whether err is a *Error, or an errors.Trace/Annotatef chain
// whose cause is one, and returns that *Error.
func As(err error) (*Error, bool) {
	ce, ok := errors.Cause(err).(*Error)
	return ce, ok
}

// IsRecoverable reports whether err is a CoreError marked recoverable.
// A non-CoreError is treated as non-recoverable (UNKNOWN in spirit).
func IsRecoverable(err error) bool {
	ce, ok := As(err)
	return ok && ce.Recoverable
}
