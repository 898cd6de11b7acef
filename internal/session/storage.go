package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neboloop/pagewright/internal/driver"
)

// StorageSnapshot is an immutable copy of a context's cookies and local
// storage. It may be shared by any number of contexts: every read hands out
// a fresh copy.
type StorageSnapshot struct {
	state driver.StorageState
}

// NewSnapshot copies st into a snapshot.
func NewSnapshot(st *driver.StorageState) *StorageSnapshot {
	if st == nil {
		st = &driver.StorageState{}
	}
	return &StorageSnapshot{state: *st.Clone()}
}

// State returns a copy of the snapshot contents.
func (s *StorageSnapshot) State() *driver.StorageState {
	return s.state.Clone()
}

// Cookies returns a copy of the cookies.
func (s *StorageSnapshot) Cookies() []driver.Cookie {
	return append([]driver.Cookie(nil), s.state.Cookies...)
}

// MarshalJSON writes the storageState file shape.
func (s *StorageSnapshot) MarshalJSON() ([]byte, error) {
	st := s.state.Clone()
	if st.Cookies == nil {
		st.Cookies = []driver.Cookie{}
	}
	if st.Origins == nil {
		st.Origins = []driver.OriginState{}
	}
	return json.Marshal(st)
}

// ParseSnapshot reads a storageState document.
func ParseSnapshot(data []byte) (*StorageSnapshot, error) {
	var st driver.StorageState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse storage state: %w", err)
	}
	return NewSnapshot(&st), nil
}

// LoadSnapshot reads a storageState file.
func LoadSnapshot(path string) (*StorageSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read storage state: %w", err)
	}
	return ParseSnapshot(data)
}

// Save writes the snapshot to path, creating parent directories.
func (s *StorageSnapshot) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage state directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write storage state: %w", err)
	}
	return nil
}
