// Package crashlog records worker panics and crashes to the run-history store.
package crashlog

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/neboloop/pagewright/internal/db"
	"github.com/neboloop/pagewright/internal/logging"
)

// Logger persists crash entries. Safe for concurrent use.
type Logger struct {
	store *db.Store
	mu    sync.Mutex
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init sets up the global crash logger. A nil store resets it.
func Init(store *db.Store) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if store == nil {
		global = nil
		return
	}
	global = &Logger{store: store}
}

func current() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// LogPanic records a recovered panic with the current goroutine's stack.
// Without Init it only logs.
func LogPanic(module string, r any, ctx map[string]string) {
	msg := fmt.Sprintf("%v", r)
	stack := make([]byte, 8192)
	n := runtime.Stack(stack, false)
	stackStr := string(stack[:n])

	logging.Errorf("[PANIC] %s: %s\n%s", module, msg, stackStr)

	if l := current(); l != nil {
		l.insert("panic", module, msg, stackStr, ctx)
	}
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}
	l := current()
	if l == nil {
		logging.Errorf("%s: %v", module, err)
		return
	}
	l.insert("error", module, err.Error(), "", ctx)
}

// LogWarn records a warning.
func LogWarn(module string, msg string, ctx map[string]string) {
	l := current()
	if l == nil {
		logging.Warnf("%s: %s", module, msg)
		return
	}
	l.insert("warn", module, msg, "", ctx)
}

func (l *Logger) insert(level, module, message, stacktrace string, ctx map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.store.InsertCrashLog(context.Background(), db.CrashLog{
		Level:      level,
		Module:     module,
		Message:    message,
		Stacktrace: stacktrace,
		Context:    ctx,
	})
	if err != nil {
		logging.Warnf("crashlog: %v", err)
	}
}
