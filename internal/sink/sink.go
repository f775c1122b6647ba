// Package sink provides the outcome sink implementations: console for
// humans, jsonl for files, store for the database, broadcast for live
// subscribers, and a fanout combining them. Results arrive unordered and
// possibly more than once; sinks that must not double-count dedupe on
// AttemptResult.IdempotencyKey.
package sink

import (
	"context"
	"errors"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

type fanout struct {
	sinks []core.OutcomeSink
}

// NewFanout records every result to every sink. One failing sink does not
// stop delivery to the others; Record returns the joined errors.
func NewFanout(sinks ...core.OutcomeSink) core.OutcomeSink {
	return &fanout{sinks: sinks}
}

func (f *fanout) Record(ctx context.Context, result types.AttemptResult) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Record(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
