package driver

import (
	"context"
	"log/slog"
	"time"
)

// sensitiveCommands carry user data (typed text, cookies) and are logged at
// info level; everything else is debug noise.
var sensitiveCommands = map[Kind]bool{
	CmdDispatch:   true,
	CmdNavigate:   true,
	CmdStorage:    true,
	CmdNewContext: true,
}

// ObserveFunc receives the outcome of every command.
type ObserveFunc func(kind Kind, elapsed time.Duration, err error)

type auditDriver struct {
	next    Driver
	logger  *slog.Logger
	observe ObserveFunc
}

// Logged wraps d so every command is audit logged and reported to observe.
// observe may be nil.
func Logged(d Driver, logger *slog.Logger, observe ObserveFunc) Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &auditDriver{
		next:    d,
		logger:  logger.With("component", "driver"),
		observe: observe,
	}
}

func (a *auditDriver) Send(ctx context.Context, cmd Command) (Response, error) {
	start := time.Now()
	resp, err := a.next.Send(ctx, cmd)
	elapsed := time.Since(start)

	if a.observe != nil {
		a.observe(cmd.Kind, elapsed, err)
	}

	attrs := []any{
		"cmd", string(cmd.Kind),
		"elapsed", elapsed,
	}
	if cmd.PageID != "" {
		attrs = append(attrs, "page", truncateID(cmd.PageID))
	}
	if cmd.ElementID != "" {
		attrs = append(attrs, "element", cmd.ElementID)
	}
	if cmd.Input != nil {
		attrs = append(attrs, "input", string(cmd.Input.Type))
	}

	switch {
	case err != nil && IsChannelLost(err):
		a.logger.Error("driver_channel_lost", append(attrs, "error", err)...)
	case err != nil:
		a.logger.Debug("driver_command_failed", append(attrs, "error", err)...)
	case sensitiveCommands[cmd.Kind]:
		a.logger.Info("driver_command", attrs...)
	default:
		a.logger.Debug("driver_command", attrs...)
	}
	return resp, err
}

func (a *auditDriver) Close() error {
	return a.next.Close()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
