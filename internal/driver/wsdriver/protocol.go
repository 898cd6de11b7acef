// Package wsdriver carries driver commands over a websocket, so a browser
// can run on a different machine from the engine.
//
// Each text frame holds one JSON message. Requests and replies are matched
// by id and may interleave:
//
//	{"id": 7, "cmd": {"kind": "dom.query", ...}, "timeoutMs": 5000}
//	{"id": 7, "resp": {"elements": [...]}}
//	{"id": 7, "error": {"code": "detached", "message": "..."}}
package wsdriver

import (
	"context"
	"errors"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

// Path is where Server mounts the websocket endpoint.
const Path = "/driver"

type request struct {
	ID        uint64         `json:"id"`
	Cmd       driver.Command `json:"cmd"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
}

type reply struct {
	ID    uint64           `json:"id"`
	Resp  *driver.Response `json:"resp,omitempty"`
	Error *wireError       `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	codeDetached      = "detached"
	codeUnknownTarget = "unknown_target"
	codeUnsupported   = "unsupported"
	codeCanceled      = "canceled"
)

var sentinels = map[string]error{
	codeDetached:      driver.ErrDetached,
	codeUnknownTarget: driver.ErrUnknownTarget,
	codeUnsupported:   driver.ErrUnsupported,
}

func encodeError(err error) *wireError {
	var ce *driver.CommandError
	if errors.As(err, &ce) {
		err = ce.Err
	}
	we := &wireError{Message: err.Error()}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			we.Code = code
			return we
		}
	}
	var coder errs.Coder
	switch {
	case errors.As(err, &coder):
		we.Code = string(coder.ErrorCode())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		we.Code = codeCanceled
	}
	return we
}

func decodeError(kind driver.Kind, we *wireError) error {
	if sentinel, ok := sentinels[we.Code]; ok {
		return &driver.CommandError{Kind: kind, Err: wrapMessage(sentinel, we.Message)}
	}
	switch we.Code {
	case "":
		return &driver.CommandError{Kind: kind, Err: errors.New(we.Message)}
	case string(errs.DriverChannelLost):
		return driver.ChannelLost(errors.New(we.Message))
	case codeCanceled:
		return &driver.CommandError{Kind: kind, Err: errors.New(we.Message)}
	}
	return &driver.CommandError{Kind: kind, Err: errs.New(errs.Code(we.Code), we.Message)}
}

// wrapMessage keeps the remote message while matching sentinel.
func wrapMessage(sentinel error, msg string) error {
	if msg == sentinel.Error() {
		return sentinel
	}
	return &remoteError{msg: msg, sentinel: sentinel}
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
