package dispatch

import "errors"

// ErrPermissionDenied marks toggle failures caused by the bot lacking the
// permission to edit a group. Platforms wrap their native error with it.
var ErrPermissionDenied = errors.New("permission denied")

// IsPermissionDenied reports whether err is a tolerated toggle failure.
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

type Phase int

const (
	PhaseEnable Phase = iota + 1
	PhaseDeliver
	PhaseDisable
)

func (p Phase) String() string {
	switch p {
	case PhaseEnable:
		return "enable"
	case PhaseDeliver:
		return "deliver"
	case PhaseDisable:
		return "disable"
	default:
		return "unknown"
	}
}

// Error is a fatal flush failure. Its message is exactly the message of
// the underlying failure.
type Error struct {
	Destination string
	Phase       Phase
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "dispatch failed"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
