package sink

import (
	"context"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// storeSink writes results into the result store. The store deduplicates
// on the idempotency key, so redelivered results insert exactly once.
type storeSink struct {
	store core.ResultStore
}

// NewStore adapts a result store to the sink interface. Close is a no-op;
// the store outlives the sink and its owner closes it.
func NewStore(store core.ResultStore) core.OutcomeSink {
	return &storeSink{store: store}
}

func (s *storeSink) Record(ctx context.Context, result types.AttemptResult) error {
	return s.store.SaveResult(ctx, result)
}

func (s *storeSink) Close() error { return nil }
