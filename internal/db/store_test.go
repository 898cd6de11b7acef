package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/pagewright/internal/errs"
	"github.com/neboloop/pagewright/internal/report"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func run(id string, start time.Time, classes ...report.Classification) *report.Run {
	r := &report.Run{ID: id, Start: start, Duration: 2 * time.Second, Workers: 2}
	for i, c := range classes {
		res := report.TestResult{
			ID:             "login.yaml::test" + string(rune('a'+i)),
			Title:          "test " + string(rune('a'+i)),
			File:           "login.yaml",
			Classification: c,
		}
		switch c {
		case report.Passed:
			res.Attempts = []report.Attempt{{Status: report.StatusPassed, Duration: time.Second}}
		case report.Flaky:
			res.Attempts = []report.Attempt{{Status: report.StatusFailed}, {Number: 1, Status: report.StatusPassed}}
		case report.Failed:
			res.Attempts = []report.Attempt{{
				Status: report.StatusFailed, Error: "click timed out",
				ErrorCode: errs.ActionTimeout, LastState: "visible",
			}}
		}
		r.Results = append(r.Results, res)
	}
	r.Summarize()
	return r
}

func TestSaveRunRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.SaveRun(ctx, run("r1", start, report.Passed, report.Failed)))

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.True(t, runs[0].StartedAt.Equal(start))
	assert.Equal(t, 2*time.Second, runs[0].Duration)
	assert.Equal(t, report.Summary{Passed: 1, Failed: 1}, runs[0].Summary)

	results, err := s.Results(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, report.Passed, results[0].Classification)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, "action_timeout", results[1].ErrorCode)
	assert.Equal(t, "visible", results[1].LastState)
}

func TestSaveRunReplaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.SaveRun(ctx, run("r1", start, report.Failed)))
	require.NoError(t, s.SaveRun(ctx, run("r1", start, report.Passed, report.Passed)))

	results, err := s.Results(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRecentRunsAndFlakyTests(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.SaveRun(ctx, run("r1", base, report.Passed, report.Flaky)))
	require.NoError(t, s.SaveRun(ctx, run("r2", base.Add(time.Minute), report.Failed, report.Flaky)))
	require.NoError(t, s.SaveRun(ctx, run("r3", base.Add(2*time.Minute), report.Passed, report.Passed)))

	runs, err := s.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
	assert.Equal(t, "r2", runs[1].ID)

	flaky, err := s.FlakyTests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flaky, 2)
	assert.Equal(t, FlakeStat{TestID: "login.yaml::testb", Title: "test b", Runs: 3, Flaky: 2}, flaky[0])
	assert.Equal(t, FlakeStat{TestID: "login.yaml::testa", Title: "test a", Runs: 3, Failed: 1}, flaky[1])
}

func TestReporterSavesOnEnd(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := NewReporter(s)

	require.NoError(t, r.Begin(ctx, 1))
	require.NoError(t, r.End(ctx, run("r9", time.UnixMilli(1), report.Passed)))

	runs, err := s.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r9", runs[0].ID)
}

func TestCrashLogs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCrashLog(ctx, CrashLog{Level: "panic", Module: "worker", Message: "boom", Stacktrace: "goroutine 1", Context: map[string]string{"worker": "2"}}))
	require.NoError(t, s.InsertCrashLog(ctx, CrashLog{Level: "error", Module: "worker", Message: "channel lost"}))

	logs, err := s.CrashLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "channel lost", logs[0].Message)
	assert.Nil(t, logs[0].Context)
	assert.Equal(t, "2", logs[1].Context["worker"])
	assert.Equal(t, "goroutine 1", logs[1].Stacktrace)
}
