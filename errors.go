package btd

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrName is the short, stable name of an error kind. Callers match on
// the name; the message is for humans.
type ErrName string

const (
	ErrInProgress           ErrName = "InProgress"
	ErrNotReady             ErrName = "NotReady"
	ErrAlreadyExists        ErrName = "AlreadyExists"
	ErrNotConnected         ErrName = "NotConnected"
	ErrProfileUnavailable   ErrName = "ProfileUnavailable"
	ErrInvalidArguments     ErrName = "InvalidArguments"
	ErrAuthFailed           ErrName = "AuthenticationFailed"
	ErrAuthRejected         ErrName = "AuthenticationRejected"
	ErrAuthCanceled         ErrName = "AuthenticationCanceled"
	ErrAuthTimeout          ErrName = "AuthenticationTimeout"
	ErrKeyMissing           ErrName = "KeyMissing"
	ErrConnAttemptFailed    ErrName = "ConnectionAttemptFailed"
	ErrNotSupported         ErrName = "NotSupported"
	ErrUnsupported          ErrName = "Unsupported"
	ErrCanceled             ErrName = "Canceled"
	ErrHostDown             ErrName = "HostDown"
	ErrDoesNotExist         ErrName = "DoesNotExist"
	ErrFailed               ErrName = "Failed"
)

// Bearer identifies one of the two link layers.
type Bearer uint8

const (
	BearerNone Bearer = iota
	BearerBREDR
	BearerLE
)

func (b Bearer) String() string {
	switch b {
	case BearerBREDR:
		return "br/edr"
	case BearerLE:
		return "le"
	}
	return "none"
}

// Error is the taxonomy error surfaced to callers: a short stable name,
// a human message and, where it applies, the bearer the failure
// happened on.
type Error struct {
	Name    ErrName
	Message string
	Bearer  Bearer
}

func (e *Error) Error() string {
	if e.Bearer != BearerNone {
		return fmt.Sprintf("%s: %s (%s)", e.Name, e.Message, e.Bearer)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewError builds a taxonomy error.
func NewError(name ErrName, format string, args ...interface{}) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// BearerError builds a bearer-tagged taxonomy error.
func BearerError(name ErrName, b Bearer, format string, args ...interface{}) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...), Bearer: b}
}

// IsError reports whether err (or anything it wraps) carries the given
// taxonomy name.
func IsError(err error, name ErrName) bool {
	if err == nil {
		return false
	}
	if te, ok := err.(*Error); ok {
		return te.Name == name
	}
	if ce, ok := errors.Cause(err).(*Error); ok {
		return ce.Name == name
	}
	return false
}

// NameOf extracts the taxonomy name from an error, defaulting to
// Failed for foreign errors.
func NameOf(err error) ErrName {
	if err == nil {
		return ""
	}
	if te, ok := err.(*Error); ok {
		return te.Name
	}
	if ce, ok := errors.Cause(err).(*Error); ok {
		return ce.Name
	}
	return ErrFailed
}

// DisconnectReason names why a link went down, carried on the
// Disconnected signal.
type DisconnectReason uint8

const (
	ReasonUnknown DisconnectReason = iota
	ReasonTimeout
	ReasonLocal
	ReasonRemote
	ReasonAuthentication
	ReasonSuspend
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonLocal:
		return "Local"
	case ReasonRemote:
		return "Remote"
	case ReasonAuthentication:
		return "Authentication"
	case ReasonSuspend:
		return "Suspend"
	}
	return "Unknown"
}
