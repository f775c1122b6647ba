package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

// campaign tracks one run's state machine and counters. State only moves
// forward: running -> draining -> completed, with aborted reachable from
// running and draining. Candidate finalization is recorded here so the
// dispatcher can enforce exactly one terminal result per candidate.
type campaign struct {
	id     string
	target types.Target

	mu        sync.Mutex
	state     types.CampaignState
	issued    int64
	attempts  int64
	counts    map[types.Outcome]int64
	finalized map[int]types.Outcome
	errMsg    string
	startedAt time.Time
	finished  time.Time
}

func newCampaign(id string, target types.Target) *campaign {
	return &campaign{
		id:        id,
		target:    target,
		state:     types.CampaignRunning,
		counts:    make(map[types.Outcome]int64),
		finalized: make(map[int]types.Outcome),
		startedAt: time.Now(),
	}
}

func (c *campaign) State() types.CampaignState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// beginDraining stops new dispatch while in-flight attempts finish.
// Returns false if the campaign already left the running state.
func (c *campaign) beginDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.CampaignRunning {
		return false
	}
	c.state = types.CampaignDraining
	return true
}

// complete moves a live campaign to completed. Returns false when the
// campaign already reached a final state.
func (c *campaign) complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.CampaignRunning && c.state != types.CampaignDraining {
		return false
	}
	c.state = types.CampaignCompleted
	c.finished = time.Now()
	return true
}

// abort forces the campaign to aborted unless it already completed. The
// first abort reason wins.
func (c *campaign) abort(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == types.CampaignCompleted || c.state == types.CampaignAborted {
		return false
	}
	c.state = types.CampaignAborted
	c.errMsg = reason
	c.finished = time.Now()
	return true
}

// noteIssued counts a candidate pulled from the source for its first
// dispatch. Requeues do not issue.
func (c *campaign) noteIssued() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issued++
}

// recordAttempt counts one produced result by its outcome.
func (c *campaign) recordAttempt(outcome types.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	c.counts[outcome]++
}

// finalize marks the candidate's terminal outcome. Returns false when the
// candidate was already finalized, which callers treat as a bug.
func (c *campaign) finalize(index int, outcome types.Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.finalized[index]; dup {
		return false
	}
	c.finalized[index] = outcome
	return true
}

func (c *campaign) isFinalized(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.finalized[index]
	return ok
}

// finalizedIndexes returns every finalized candidate index in order, for
// checkpoints.
func (c *campaign) finalizedIndexes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.finalized))
	for idx := range c.finalized {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// exhaustedIndexes lists candidates that ran out of retry budget, for the
// end-of-run summary.
func (c *campaign) exhaustedIndexes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for idx, outcome := range c.finalized {
		if outcome == types.OutcomeExhausted {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

func (c *campaign) snapshot() types.CampaignSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := types.CampaignSnapshot{
		ID:         c.id,
		TargetUser: c.target.Username,
		Endpoint:   c.target.Endpoint,
		Verifier:   c.target.Verifier,
		State:      c.state,
		Issued:     c.issued,
		Completed:  int64(len(c.finalized)),
		Counts:     make(map[types.Outcome]int64, len(c.counts)),
		StartedAt:  c.startedAt,
		Error:      c.errMsg,
	}
	for k, v := range c.counts {
		snap.Counts[k] = v
	}

	elapsed := time.Since(c.startedAt)
	if !c.finished.IsZero() {
		finished := c.finished
		snap.FinishedAt = &finished
		elapsed = c.finished.Sub(c.startedAt)
	}
	if elapsed > 0 {
		snap.AttemptsPerSec = float64(c.attempts) / elapsed.Seconds()
	}
	return snap
}
