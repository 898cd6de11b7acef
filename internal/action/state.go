package action

import (
	"fmt"
	"time"

	"github.com/neboloop/pagewright/internal/errs"
)

// State is one actionability check. A poll reports the first check that did
// not hold; StateReady means the whole chain held.
type State int

const (
	StateAttached State = iota + 1
	StateVisible
	StateStable
	StateEnabled
	StateReceivesEvents
	StateEditable
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateVisible:
		return "visible"
	case StateStable:
		return "stable"
	case StateEnabled:
		return "enabled"
	case StateReceivesEvents:
		return "receives_events"
	case StateEditable:
		return "editable"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// waiting describes what a blocked state was waiting for.
func (s State) waiting() string {
	switch s {
	case StateAttached:
		return "element is not attached (no match)"
	case StateVisible:
		return "element is not visible"
	case StateStable:
		return "element is not stable"
	case StateEnabled:
		return "element is not enabled"
	case StateReceivesEvents:
		return "element does not receive pointer events (covered by another element)"
	case StateEditable:
		return "element is not editable"
	}
	return "element was never checked"
}

// Kind names an action.
type Kind string

const (
	Click        Kind = "click"
	Fill         Kind = "fill"
	Check        Kind = "check"
	Uncheck      Kind = "uncheck"
	SelectOption Kind = "select"
	Hover        Kind = "hover"
	Press        Kind = "press"
	Upload       Kind = "upload"
	Screenshot   Kind = "screenshot"
	GetText      Kind = "text"
	GetAttribute Kind = "attribute"
)

var (
	pointerChain = []State{StateAttached, StateVisible, StateStable, StateEnabled, StateReceivesEvents}
	chains       = map[Kind][]State{
		Click:        pointerChain,
		Check:        pointerChain,
		Uncheck:      pointerChain,
		SelectOption: pointerChain,
		Fill:         append(append([]State(nil), pointerChain...), StateEditable),
		Hover:        {StateAttached, StateVisible, StateStable, StateReceivesEvents},
		Press:        {StateAttached, StateVisible, StateEnabled},
		Upload:       {StateAttached, StateEnabled},
		Screenshot:   {StateAttached, StateVisible, StateStable},
		GetText:      {StateAttached},
		GetAttribute: {StateAttached},
	}
)

// Preconditions returns the ordered checks kind waits for.
func Preconditions(kind Kind) []State {
	return append([]State(nil), chains[kind]...)
}

// Mutating reports whether kind dispatches input to the page.
func (k Kind) Mutating() bool {
	switch k {
	case Screenshot, GetText, GetAttribute:
		return false
	}
	return true
}

// TimeoutError is returned when the precondition chain was not satisfied
// before the action budget ran out. Nothing was dispatched.
type TimeoutError struct {
	Action    Kind
	Locator   string
	Timeout   time.Duration
	LastState State
	Polls     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timeout %s exceeded after %d polls: %s",
		e.Action, e.Locator, e.Timeout, e.Polls, e.LastState.waiting())
}

// ErrorCode implements errs.Coder.
func (e *TimeoutError) ErrorCode() errs.Code { return errs.ActionTimeout }

// InterruptedError is returned when the caller's context ends during auto-wait.
type InterruptedError struct {
	Action    Kind
	Locator   string
	LastState State
	Err       error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("%s %s: interrupted while waiting (last state: %s): %v", e.Action, e.Locator, e.LastState, e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// ErrorCode reports test_timeout: the only caller context that ends mid-action
// is the attempt's deadline.
func (e *InterruptedError) ErrorCode() errs.Code { return errs.TestTimeout }
