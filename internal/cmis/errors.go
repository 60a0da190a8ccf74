package cmis

import (
	"errors"
	"fmt"
)

// Protocol errors. A *Error returned by a Session unwraps to one of these
// based on the exception name reported by the server.
var (
	ErrObjectNotFound       = errors.New("cmis: object not found")
	ErrContentAlreadyExists = errors.New("cmis: content already exists")
	ErrPermissionDenied     = errors.New("cmis: permission denied")
	ErrInvalidArgument      = errors.New("cmis: invalid argument")
	ErrConstraint           = errors.New("cmis: constraint violation")
	ErrUpdateConflict       = errors.New("cmis: update conflict")
	ErrNotSupported         = errors.New("cmis: not supported")
	ErrRuntime              = errors.New("cmis: runtime error")
)

var exceptionSentinels = map[string]error{
	"objectNotFound":          ErrObjectNotFound,
	"contentAlreadyExists":    ErrContentAlreadyExists,
	"nameConstraintViolation": ErrContentAlreadyExists,
	"permissionDenied":        ErrPermissionDenied,
	"invalidArgument":         ErrInvalidArgument,
	"constraint":              ErrConstraint,
	"updateConflict":          ErrUpdateConflict,
	"notSupported":            ErrNotSupported,
	"runtime":                 ErrRuntime,
}

// statusSentinels is used when the server sends no exception name.
var statusSentinels = map[int]error{
	400: ErrInvalidArgument,
	403: ErrPermissionDenied,
	404: ErrObjectNotFound,
	405: ErrNotSupported,
	409: ErrContentAlreadyExists,
}

// Error is a protocol-level failure reported by the server.
type Error struct {
	Status    int
	Exception string
	Message   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cmis: %s (status %d)", e.Exception, e.Status)
	}

	return fmt.Sprintf("cmis: %s (status %d): %s", e.Exception, e.Status, e.Message)
}

// Unwrap maps the exception to a package sentinel so callers can use
// errors.Is(err, ErrObjectNotFound).
func (e *Error) Unwrap() error {
	if s, ok := exceptionSentinels[e.Exception]; ok {
		return s
	}

	if s, ok := statusSentinels[e.Status]; ok {
		return s
	}

	return ErrRuntime
}

// TransientError wraps a transport failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}
