package db

import (
	"context"

	"github.com/neboloop/pagewright/internal/report"
)

// Reporter saves each finished run to the store.
type Reporter struct {
	store *Store
}

func NewReporter(store *Store) *Reporter {
	return &Reporter{store: store}
}

func (r *Reporter) Begin(context.Context, int) error                 { return nil }
func (r *Reporter) TestEnd(context.Context, report.TestResult) error { return nil }

func (r *Reporter) End(ctx context.Context, run *report.Run) error {
	return r.store.SaveRun(ctx, run)
}
