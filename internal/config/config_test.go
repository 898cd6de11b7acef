package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/pagewright/internal/errs"
)

func TestDefaults(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, 16, c.MaxPagesPerContext)
	assert.Equal(t, 0, c.Retries)
	assert.Equal(t, 30*time.Second, c.TestTimeout())
	assert.Equal(t, 100*time.Millisecond, c.PollInterval())
	assert.Zero(t, c.GlobalTimeout())
	assert.True(t, c.Use.IsHeadless())
	assert.Equal(t, "data-testid", c.Use.TestIDAttribute)
	assert.GreaterOrEqual(t, c.Workers, 1)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Setenv("APP_HOST", "shop.test")
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(`
workers: 3
retries: 2
globalTimeoutMs: 60000
reporter: [list, sqlite]
use:
  baseURL: https://${APP_HOST}/
  headless: false
projects:
  - name: chromium
  - name: firefox
    use:
      browser: firefox
      viewport: {width: 800, height: 600}
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, 2, c.Retries)
	assert.Equal(t, time.Minute, c.GlobalTimeout())
	assert.Equal(t, "https://shop.test/", c.Use.BaseURL)
	assert.False(t, c.Use.IsHeadless())
	assert.Equal(t, 5*time.Second, c.ExpectTimeout(), "unset fields keep defaults")

	projects := c.ProjectUse()
	require.Len(t, projects, 2)
	assert.Equal(t, "chromium", projects[0].Use.Browser)
	assert.Equal(t, "firefox", projects[1].Use.Browser)
	assert.Equal(t, 800, projects[1].Use.Viewport.Width)
	assert.Equal(t, "https://shop.test/", projects[1].Use.BaseURL)
	assert.Equal(t, 1280, c.Use.Viewport.Width, "merge does not alias the base viewport")
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().TestDir, c.TestDir)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := LoadFromBytes([]byte("workers: [1"))
	assert.True(t, errs.Is(err, errs.InvalidArgument))
}

func TestValidateCollectsProblems(t *testing.T) {
	c := DefaultConfig()
	c.Workers = 0
	c.PollIntervalMs = 0
	c.Grep = "("
	c.Reporter = []string{"html"}
	c.Use.Driver = DriverRemote
	c.Projects = []Project{{Name: "a"}, {Name: "a"}, {Use: Use{Browser: "safari"}}}

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidArgument))
	for _, want := range []string{
		"workers must be at least 1",
		"pollIntervalMs must be positive",
		`grep "("`,
		`unknown reporter "html"`,
		"remoteURL is required",
		`duplicate name "a"`,
		"projects[2]: name is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PAGEWRIGHT_WORKERS", "7")
	t.Setenv("PAGEWRIGHT_RETRIES", "1")
	t.Setenv("PAGEWRIGHT_BASE_URL", "http://localhost:3000")
	t.Setenv("PAGEWRIGHT_HEADLESS", "no")
	t.Setenv("PAGEWRIGHT_DRIVER", "static")

	c := DefaultConfig()
	require.NoError(t, c.ApplyEnv())
	assert.Equal(t, 7, c.Workers)
	assert.Equal(t, 1, c.Retries)
	assert.Equal(t, "http://localhost:3000", c.Use.BaseURL)
	assert.False(t, c.Use.IsHeadless())
	assert.Equal(t, DriverStatic, c.Use.Driver)

	t.Setenv("PAGEWRIGHT_WORKERS", "many")
	assert.True(t, errs.Is(c.ApplyEnv(), errs.InvalidArgument))
}
