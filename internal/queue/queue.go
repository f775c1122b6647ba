// Package queue holds candidates awaiting dispatch or re-dispatch. The
// dispatcher seeds it from the candidate source and feeds retryable work
// back through it, so a campaign drains exactly when the queue stays
// empty and every worker is idle.
package queue

import (
	"fmt"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
)

// New builds the backend named by cfg. The memory backend is process
// local; redis shares retry state between harness processes working the
// same campaign.
func New(cfg config.QueueConfig, redisCfg config.RedisConfig, campaignID string) (core.AttemptQueue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(), nil
	case "redis":
		return NewRedisQueue(redisCfg, campaignID)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
