package suite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/logging"
	"github.com/neboloop/pagewright/internal/scheduler"
)

// IsSuiteFile reports whether path has a suite extension.
func IsSuiteFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Parse decodes a suite. Unknown keys are errors.
func Parse(data []byte) (*Suite, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Suite
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(errs.InvalidArgument, "parse suite", err)
	}
	return &s, nil
}

// Load reads and compiles one suite file. name is how the file appears in
// test ids.
func Load(path, name string) (*scheduler.File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Compile(name, filepath.Dir(path), s)
}

// LoadDir loads every suite file under dir in lexical order. Test ids use
// slash-separated paths relative to dir.
func LoadDir(dir string) ([]*scheduler.File, error) {
	var files []*scheduler.File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsSuiteFile(path) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := Load(path, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load suites from %s: %w", dir, err)
	}
	logging.Debugf("[suite] Loaded %d files from %s", len(files), dir)
	return files, nil
}

// LoadPaths loads files and directories given on the command line. With no
// paths it loads dir.
func LoadPaths(dir string, paths []string) ([]*scheduler.File, error) {
	if len(paths) == 0 {
		return LoadDir(dir)
	}
	var files []*scheduler.File
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			more, err := LoadDir(p)
			if err != nil {
				return nil, err
			}
			files = append(files, more...)
			continue
		}
		f, err := Load(p, filepath.ToSlash(filepath.Clean(p)))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}
