package sessionpool

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSession     = errors.New("sessionpool: no usable session")
	ErrJoinExhausted = errors.New("sessionpool: join attempts exhausted")
	ErrNoChannelLink = errors.New("sessionpool: channel has neither handle nor invite link")
	ErrCannotPost    = errors.New("sessionpool: no session may post stories")
)

// FailureKind drives the session state machine.
type FailureKind int

const (
	FailOther FailureKind = iota
	FailFlood
	FailAuth
	FailPermission
	FailNotFound
)

func (k FailureKind) String() string {
	switch k {
	case FailFlood:
		return "flood"
	case FailAuth:
		return "auth"
	case FailPermission:
		return "permission"
	case FailNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Error is a classified client protocol failure.
type Error struct {
	Kind FailureKind
	Code string // platform error code, e.g. FLOOD_WAIT or AUTH_KEY_UNREGISTERED
	Wait time.Duration
	Err  error
}

func (e *Error) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("%s (%s, wait %s)", e.Code, e.Kind, e.Wait)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Code, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the failure kind and code of err. Unclassified errors
// are FailOther with code UNKNOWN.
func Classify(err error) (FailureKind, string, time.Duration) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.Code, e.Wait
	}
	return FailOther, "UNKNOWN", 0
}
