package driver

import (
	"errors"
	"fmt"

	"github.com/neboloop/pagewright/internal/errs"
)

var (
	// ErrDetached means the element id no longer refers to a node in the document.
	ErrDetached = errors.New("element is not attached to the document")
	// ErrUnknownTarget means the context or page id is not known to the driver.
	ErrUnknownTarget = errors.New("unknown context or page")
	// ErrUnsupported means the driver cannot execute the command.
	ErrUnsupported = errors.New("unsupported by driver")
)

// ChannelLost wraps the cause of a broken control channel.
func ChannelLost(cause error) error {
	return errs.Wrap(errs.DriverChannelLost, "driver channel lost", cause)
}

// IsChannelLost reports whether err signals a broken control channel.
func IsChannelLost(err error) bool {
	return errs.Is(err, errs.DriverChannelLost)
}

// CommandError attaches the failing command to a driver error.
type CommandError struct {
	Kind Kind
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
