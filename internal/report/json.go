package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// JSON writes the whole run as one document when the run ends.
type JSON struct {
	path string
	w    io.Writer
}

// NewJSONFile writes to path, creating parent directories.
func NewJSONFile(path string) *JSON {
	return &JSON{path: path}
}

// NewJSON writes to w.
func NewJSON(w io.Writer) *JSON {
	return &JSON{w: w}
}

func (j *JSON) Begin(context.Context, int) error          { return nil }
func (j *JSON) TestEnd(context.Context, TestResult) error { return nil }

func (j *JSON) End(_ context.Context, run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	data = append(data, '\n')
	if j.w != nil {
		_, err = j.w.Write(data)
		return err
	}
	if dir := filepath.Dir(j.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(j.path, data, 0o644); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	return nil
}

// ReadJSON loads a run written by the JSON reporter.
func ReadJSON(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &run, nil
}
