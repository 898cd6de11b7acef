// Package config loads pagewright.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/pagewright/internal/driver"
	"github.com/neboloop/pagewright/internal/errs"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "pagewright.yaml"

// Driver names accepted by use.driver.
const (
	DriverPlaywright = "playwright"
	DriverCDP        = "cdp"
	DriverRemote     = "remote"
	DriverStatic     = "static"
)

// Screenshot modes.
const (
	ScreenshotOff           = "off"
	ScreenshotOn            = "on"
	ScreenshotOnlyOnFailure = "only-on-failure"
)

type Config struct {
	TestDir            string    `yaml:"testDir"`
	OutputDir          string    `yaml:"outputDir"`
	Workers            int       `yaml:"workers"`
	Retries            int       `yaml:"retries"`
	TestTimeoutMs      int       `yaml:"testTimeoutMs"`
	ActionTimeoutMs    int       `yaml:"actionTimeoutMs"`
	ExpectTimeoutMs    int       `yaml:"expectTimeoutMs"`
	GlobalTimeoutMs    int       `yaml:"globalTimeoutMs"`
	PollIntervalMs     int       `yaml:"pollIntervalMs"`
	MaxPagesPerContext int       `yaml:"maxPagesPerContext"`
	FullyParallel      bool      `yaml:"fullyParallel"`
	Grep               string    `yaml:"grep"`
	GrepInvert         string    `yaml:"grepInvert"`
	Reporter           []string  `yaml:"reporter"`
	Use                Use       `yaml:"use"`
	Projects           []Project `yaml:"projects"`
	// Setup is a suite file run to completion before the other tests.
	Setup     string `yaml:"setup"`
	DBPath    string `yaml:"dbPath"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Use holds browser and context options. Project entries override the
// top-level values field by field.
type Use struct {
	Driver          string           `yaml:"driver"`
	Browser         string           `yaml:"browser"`
	Headless        *bool            `yaml:"headless"`
	BaseURL         string           `yaml:"baseURL"`
	Viewport        *driver.Viewport `yaml:"viewport"`
	UserAgent       string           `yaml:"userAgent"`
	Locale          string           `yaml:"locale"`
	Permissions     []string         `yaml:"permissions"`
	StorageState    string           `yaml:"storageState"`
	Screenshot      string           `yaml:"screenshot"`
	RemoteURL       string           `yaml:"remoteURL"`
	CDPURL          string           `yaml:"cdpURL"`
	ExecutablePath  string           `yaml:"executablePath"`
	TestIDAttribute string           `yaml:"testIdAttribute"`
}

// Project repeats the suite with its own options.
type Project struct {
	Name string `yaml:"name"`
	Use  Use    `yaml:"use"`
}

// IsHeadless defaults to true.
func (u Use) IsHeadless() bool {
	return u.Headless == nil || *u.Headless
}

// Merge returns u with every set field of o applied on top.
func (u Use) Merge(o Use) Use {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&u.Driver, o.Driver)
	set(&u.Browser, o.Browser)
	set(&u.BaseURL, o.BaseURL)
	set(&u.UserAgent, o.UserAgent)
	set(&u.Locale, o.Locale)
	set(&u.StorageState, o.StorageState)
	set(&u.Screenshot, o.Screenshot)
	set(&u.RemoteURL, o.RemoteURL)
	set(&u.CDPURL, o.CDPURL)
	set(&u.ExecutablePath, o.ExecutablePath)
	set(&u.TestIDAttribute, o.TestIDAttribute)
	if o.Headless != nil {
		h := *o.Headless
		u.Headless = &h
	}
	if o.Viewport != nil {
		vp := *o.Viewport
		u.Viewport = &vp
	}
	if o.Permissions != nil {
		u.Permissions = append([]string(nil), o.Permissions...)
	}
	return u
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	headless := true
	return Config{
		TestDir:            "tests",
		OutputDir:          "test-results",
		Workers:            max(1, runtime.NumCPU()/2),
		TestTimeoutMs:      30_000,
		ActionTimeoutMs:    10_000,
		ExpectTimeoutMs:    5_000,
		PollIntervalMs:     100,
		MaxPagesPerContext: 16,
		Reporter:           []string{"list"},
		Use: Use{
			Driver:          DriverPlaywright,
			Browser:         "chromium",
			Headless:        &headless,
			Viewport:        &driver.Viewport{Width: 1280, Height: 720},
			Screenshot:      ScreenshotOnlyOnFailure,
			TestIDAttribute: "data-testid",
		},
		DBPath:    ".pagewright/history.db",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadFromBytes parses YAML over the defaults, expanding ${VAR} references first.
func LoadFromBytes(data []byte) (Config, error) {
	c := DefaultConfig()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, errs.Wrap(errs.InvalidArgument, "parse config", err)
	}
	return c, nil
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	c, err := LoadFromBytes(data)
	if err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overrides fields from PAGEWRIGHT_* variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PAGEWRIGHT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "PAGEWRIGHT_WORKERS: %v", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("PAGEWRIGHT_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "PAGEWRIGHT_RETRIES: %v", err)
		}
		c.Retries = n
	}
	if v := os.Getenv("PAGEWRIGHT_BASE_URL"); v != "" {
		c.Use.BaseURL = v
	}
	if v := os.Getenv("PAGEWRIGHT_HEADLESS"); v != "" {
		h := parseBool(v, c.Use.IsHeadless())
		c.Use.Headless = &h
	}
	if v := os.Getenv("PAGEWRIGHT_DRIVER"); v != "" {
		c.Use.Driver = v
	}
	return nil
}

// parseBool accepts true/1/yes and false/0/no; anything else keeps def.
func parseBool(s string, def bool) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var problems []error
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Workers < 1 {
		bad("workers must be at least 1, got %d", c.Workers)
	}
	if c.Retries < 0 {
		bad("retries must not be negative, got %d", c.Retries)
	}
	if c.TestTimeoutMs <= 0 {
		bad("testTimeoutMs must be positive, got %d", c.TestTimeoutMs)
	}
	if c.ActionTimeoutMs < 0 || c.ExpectTimeoutMs < 0 || c.GlobalTimeoutMs < 0 {
		bad("timeouts must not be negative")
	}
	if c.PollIntervalMs <= 0 {
		bad("pollIntervalMs must be positive, got %d", c.PollIntervalMs)
	}
	if c.MaxPagesPerContext < 0 {
		bad("maxPagesPerContext must not be negative, got %d", c.MaxPagesPerContext)
	}
	for _, expr := range []string{c.Grep, c.GrepInvert} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			bad("grep %q: %v", expr, err)
		}
	}
	for _, r := range c.Reporter {
		switch r {
		case "list", "json", "sqlite":
		default:
			bad("unknown reporter %q", r)
		}
	}
	validateUse("use", c.Use, bad)

	seen := make(map[string]bool)
	for i, p := range c.Projects {
		if p.Name == "" {
			bad("projects[%d]: name is required", i)
			continue
		}
		if seen[p.Name] {
			bad("projects[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		validateUse("projects["+p.Name+"].use", c.Use.Merge(p.Use), bad)
	}

	if len(problems) > 0 {
		return errs.Wrap(errs.InvalidArgument, "invalid config", errors.Join(problems...))
	}
	return nil
}

func validateUse(where string, u Use, bad func(string, ...any)) {
	switch u.Driver {
	case DriverPlaywright, DriverCDP, DriverStatic:
	case DriverRemote:
		if u.RemoteURL == "" {
			bad("%s: remoteURL is required for the remote driver", where)
		}
	default:
		bad("%s: unknown driver %q", where, u.Driver)
	}
	switch u.Browser {
	case "chromium", "firefox", "webkit":
	default:
		bad("%s: unknown browser %q", where, u.Browser)
	}
	if u.Driver == DriverCDP && u.Browser != "chromium" {
		bad("%s: the cdp driver only supports chromium", where)
	}
	switch u.Screenshot {
	case ScreenshotOff, ScreenshotOn, ScreenshotOnlyOnFailure:
	default:
		bad("%s: unknown screenshot mode %q", where, u.Screenshot)
	}
	if u.Viewport != nil && (u.Viewport.Width <= 0 || u.Viewport.Height <= 0) {
		bad("%s: viewport must be positive", where)
	}
}

// ProjectUse returns the effective options per project, or one unnamed
// entry when no projects are configured.
func (c *Config) ProjectUse() []Project {
	if len(c.Projects) == 0 {
		return []Project{{Use: c.Use}}
	}
	out := make([]Project, len(c.Projects))
	for i, p := range c.Projects {
		out[i] = Project{Name: p.Name, Use: c.Use.Merge(p.Use)}
	}
	return out
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) TestTimeout() time.Duration   { return ms(c.TestTimeoutMs) }
func (c *Config) ActionTimeout() time.Duration { return ms(c.ActionTimeoutMs) }
func (c *Config) ExpectTimeout() time.Duration { return ms(c.ExpectTimeoutMs) }
func (c *Config) PollInterval() time.Duration  { return ms(c.PollIntervalMs) }

// GlobalTimeout is zero when unset.
func (c *Config) GlobalTimeout() time.Duration { return ms(c.GlobalTimeoutMs) }
