package action

import (
	"sync"
	"time"

	"github.com/neboloop/pagewright/internal/errs"
)

// Entry is one step of an attempt's action log.
type Entry struct {
	Kind      string        `json:"kind"`
	Locator   string        `json:"locator,omitempty"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration"`
	Polls     int           `json:"polls,omitempty"`
	LastState string        `json:"lastState,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      errs.Code     `json:"code,omitempty"`
}

// Log collects entries for one attempt. It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Add appends an entry. A nil log discards it.
func (l *Log) Add(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// Entries returns a copy of the entries in order.
func (l *Log) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func entryFor(kind, target string, start time.Time, d time.Duration, polls int, last State, err error) Entry {
	e := Entry{Kind: kind, Locator: target, Start: start, Duration: d, Polls: polls}
	if last != 0 && last != StateReady {
		e.LastState = last.String()
	}
	if err != nil {
		e.Error = err.Error()
		e.Code = errs.CodeOf(err)
	}
	return e
}
