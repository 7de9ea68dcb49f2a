package protocol

import (
	"errors"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if a client times out while waiting for the status stage of a
	// ProgramPage command, then the client cannot tell if the page was written.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// an emulator that is still starting up.
	Temporary() bool
}

var (
	// ErrStalled indicates the device rejected a request. The device deliberately gives no reason:
	// malformed commands, bad MAC tags and address violations all look the same.
	ErrStalled = NewError("device stalled the request", false, false)
	// ErrNotConnected indicates the device could not be reached.
	ErrNotConnected = NewError("device not connected", false, true)
	// ErrTimeout indicates the transport gave up waiting for the device.
	ErrTimeout = NewError("timed out waiting for device", true, true)
	// ErrBusy indicates the device is temporarily unable to process requests.
	ErrBusy = NewError("device busy", false, true)
	// ErrBadResponse indicates the device answered with a reply of unexpected shape.
	ErrBadResponse = errors.New("invalid response")
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// MayHaveSucceeded returns true if err is an Error that indicates the command may have been
// executed but the client did not receive a confirmation from the device.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err is an Error that indicates the command failed due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry to issue the command that triggered an error.
// Commands that may have executed are never retried, since the update sequence cannot tell
// whether the device has already moved to a new key.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
