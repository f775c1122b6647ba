package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/internal/telemetry"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// Deps carries the collaborators a dispatcher drives. Target, Pool,
// Governor, Verifier, Queue, Source and Sink are required. Telemetry
// defaults to noop. CampaignID defaults to a fresh UUID; set it when
// resuming an earlier campaign under the same id.
type Deps struct {
	Target     types.Target
	Pool       core.IdentityPool
	Governor   core.RateGovernor
	Verifier   core.Verifier
	Queue      core.AttemptQueue
	Source     core.CandidateSource
	Sink       core.OutcomeSink
	Telemetry  core.Telemetry
	Logger     *logger.Logger
	CampaignID string
}

// Dispatcher turns the candidate stream into attempts: each worker runs
// the lease, admit, verify, release cycle and feeds results to the sink.
// Every dispatched candidate ends in exactly one terminal result.
type Dispatcher struct {
	cfg       config.EngineConfig
	target    types.Target
	pool      core.IdentityPool
	governor  core.RateGovernor
	verifier  core.Verifier
	queue     core.AttemptQueue
	source    core.CandidateSource
	sink      core.OutcomeSink
	telemetry core.Telemetry
	logger    *logger.Logger

	campaign *campaign
	window   *outcomeWindow

	// workers is the current worker ceiling; goroutines with an index at
	// or above it park until the ceiling rises again.
	workers  atomic.Int32
	inFlight atomic.Int32

	srcMu      sync.Mutex
	sourceDone bool

	adjustMu sync.Mutex

	fatalOnce sync.Once
	fatalErr  error
	cancelRun context.CancelFunc
}

func New(cfg config.EngineConfig, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Pool == nil:
		return nil, fmt.Errorf("dispatcher requires an identity pool")
	case deps.Governor == nil:
		return nil, fmt.Errorf("dispatcher requires a rate governor")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("dispatcher requires a verifier")
	case deps.Queue == nil:
		return nil, fmt.Errorf("dispatcher requires an attempt queue")
	case deps.Source == nil:
		return nil, fmt.Errorf("dispatcher requires a candidate source")
	case deps.Sink == nil:
		return nil, fmt.Errorf("dispatcher requires an outcome sink")
	case deps.Logger == nil:
		return nil, fmt.Errorf("dispatcher requires a logger")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.LeaseRetryDelay <= 0 {
		cfg.LeaseRetryDelay = 250 * time.Millisecond
	}

	id := deps.CampaignID
	if id == "" {
		id = uuid.New().String()
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.NewNoop()
	}

	d := &Dispatcher{
		cfg:       cfg,
		target:    deps.Target,
		pool:      deps.Pool,
		governor:  deps.Governor,
		verifier:  deps.Verifier,
		queue:     deps.Queue,
		source:    deps.Source,
		sink:      deps.Sink,
		telemetry: tel,
		logger:    deps.Logger.WithComponent("engine").WithCampaign(id),
		campaign:  newCampaign(id, deps.Target),
		window:    newOutcomeWindow(cfg.WindowSize),
	}
	d.workers.Store(int32(cfg.Concurrency))
	return d, nil
}

func (d *Dispatcher) CampaignID() string { return d.campaign.id }

// Snapshot assembles the campaign's current state for checkpoints,
// progress reporting and the status API.
func (d *Dispatcher) Snapshot() types.CampaignSnapshot {
	snap := d.campaign.snapshot()
	snap.Concurrency = int(d.workers.Load())
	snap.ConcurrencyLimit = d.cfg.Concurrency
	snap.HealthyIdentities = d.pool.HealthyCount()
	return snap
}

// FinalizedIndexes lists every candidate index with a terminal result.
func (d *Dispatcher) FinalizedIndexes() []int { return d.campaign.finalizedIndexes() }

// ExhaustedIndexes lists candidates that ran out of retry budget.
func (d *Dispatcher) ExhaustedIndexes() []int { return d.campaign.exhaustedIndexes() }

// Run drives the campaign to a final state and returns the closing
// snapshot. The returned error is non-nil only when the campaign aborted:
// a fatal configuration error or operator cancellation.
func (d *Dispatcher) Run(ctx context.Context) (types.CampaignSnapshot, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancelRun = cancel

	d.logger.Infow("Campaign starting",
		"target_user", d.target.Username,
		"endpoint", d.target.Endpoint,
		"verifier", d.verifier.Name(),
		"concurrency", d.cfg.Concurrency,
		"retry_limit", d.cfg.RetryLimit,
		"stop_on_first_verified", d.cfg.StopOnFirstVerified,
		"identities", d.pool.Size(),
	)

	done := make(chan struct{})
	go d.monitor(runCtx, done)

	g := new(errgroup.Group)
	for i := 0; i < d.cfg.Concurrency; i++ {
		idx := i
		g.Go(func() error {
			d.workerLoop(runCtx, idx)
			return nil
		})
	}
	_ = g.Wait()
	close(done)

	d.drainPending()

	switch {
	case d.fatalErr != nil:
		// abortCampaign already moved the state machine.
	case ctx.Err() != nil:
		d.campaign.abort(fmt.Sprintf("cancelled: %v", ctx.Err()))
	default:
		d.campaign.complete()
	}

	snap := d.Snapshot()
	d.logSummary(snap)

	if d.fatalErr != nil {
		return snap, d.fatalErr
	}
	if snap.State == types.CampaignAborted {
		return snap, ctx.Err()
	}
	return snap, nil
}

// workerLoop is one dispatch goroutine. Workers above the adaptive
// ceiling park; the rest pull retry work first, then fresh candidates.
func (d *Dispatcher) workerLoop(ctx context.Context, idx int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if d.campaign.State() != types.CampaignRunning {
			return
		}
		if int32(idx) >= d.workers.Load() {
			d.idle(ctx)
			continue
		}

		// The in-flight count covers the pop itself, so a sibling cannot
		// declare the campaign complete between our pop and our attempt.
		d.inFlight.Add(1)
		item := d.nextItem(ctx)
		if item == nil {
			d.inFlight.Add(-1)
			d.maybeComplete(ctx)
			d.idle(ctx)
			continue
		}
		if d.campaign.isFinalized(item.Index) {
			// A crashed run can leave stale entries in a shared queue.
			d.logger.Debugw("Dropping stale queue item", "candidate_index", item.Index)
			d.inFlight.Add(-1)
			continue
		}

		d.processItem(ctx, *item)
		d.inFlight.Add(-1)
		d.maybeComplete(ctx)
	}
}

func (d *Dispatcher) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.LeaseRetryDelay):
	}
}

// nextItem prefers requeued work so the retry backlog drains before new
// candidates are issued.
func (d *Dispatcher) nextItem(ctx context.Context) *core.QueueItem {
	item, err := d.queue.Pop(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.LogError(ctx, err, "queue.pop")
		}
		return nil
	}
	if item != nil {
		return item
	}
	return d.nextFromSource(ctx)
}

func (d *Dispatcher) nextFromSource(ctx context.Context) *core.QueueItem {
	d.srcMu.Lock()
	defer d.srcMu.Unlock()

	if d.sourceDone {
		return nil
	}

	cand, err := d.source.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			d.sourceDone = true
			d.logger.Infow("Candidate source exhausted")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		d.sourceDone = true
		d.abortCampaign(fmt.Errorf("candidate source failed: %w", err))
		return nil
	}

	d.campaign.noteIssued()
	return &core.QueueItem{Index: cand.Index, Secret: cand.Secret, Attempt: 0}
}

func (d *Dispatcher) sourceExhausted() bool {
	d.srcMu.Lock()
	defer d.srcMu.Unlock()
	return d.sourceDone
}

// maybeComplete closes the campaign once the source is drained, nothing
// is queued and nothing is in flight.
func (d *Dispatcher) maybeComplete(ctx context.Context) {
	if d.campaign.State() != types.CampaignRunning {
		return
	}
	if !d.sourceExhausted() {
		return
	}
	if d.inFlight.Load() != 0 {
		return
	}
	if n, err := d.queue.Len(ctx); err != nil || n != 0 {
		return
	}
	if d.campaign.complete() {
		d.logger.Infow("All candidates finalized")
	}
}

// processItem runs one attempt end to end.
func (d *Dispatcher) processItem(ctx context.Context, item core.QueueItem) {
	cand := item.AsCandidate()

	route := d.leaseRoute(ctx)
	if route == nil {
		d.finalizeWithout(ctx, item, "campaign stopped before an identity was available")
		return
	}

	if err := d.governor.Admit(ctx, route.ID()); err != nil {
		d.pool.Release(route, types.OutcomeCancelled)
		d.finalizeWithout(ctx, item, "campaign stopped while awaiting admission")
		return
	}

	result, err := d.verifier.Verify(ctx, d.target, cand, route)
	if err != nil {
		// The endpoint contract itself is broken; no candidate can
		// produce a trustworthy outcome anymore.
		d.pool.Release(route, types.OutcomeCancelled)
		d.abortCampaign(fmt.Errorf("verifier %s: %w", d.verifier.Name(), err))
		d.finalizeWithout(ctx, item, "campaign aborted: "+err.Error())
		return
	}

	result.CampaignID = d.campaign.id
	result.Attempt = item.Attempt + 1

	outcome := result.Outcome
	d.pool.Release(route, outcome)
	if outcome.Hostile() {
		d.governor.Penalize(route.ID(), outcome)
	} else {
		d.governor.Clean(route.ID())
	}
	d.telemetry.RecordAttempt(ctx, outcome, result.Latency, route.ID())
	d.window.observe(outcome.Hostile())
	d.adjustConcurrency(ctx)

	if outcome.Retryable() {
		d.retryOrExhaust(ctx, item, result)
		return
	}

	d.emit(ctx, result)
	d.finalize(ctx, result.CandidateIndex, outcome)

	if outcome == types.OutcomeVerified {
		d.logger.Infow("Candidate verified",
			"candidate_index", result.CandidateIndex,
			"identity_id", route.ID(),
			"attempt", result.Attempt,
		)
		if d.cfg.StopOnFirstVerified && d.campaign.beginDraining() {
			d.logger.Infow("Draining: no new dispatch after first verified result")
		}
	}
}

// retryOrExhaust decides what a retryable outcome means for the
// candidate: back into the queue, or terminal once the budget is spent.
func (d *Dispatcher) retryOrExhaust(ctx context.Context, item core.QueueItem, result types.AttemptResult) {
	outcome := result.Outcome

	if ctx.Err() != nil {
		result.Outcome = types.OutcomeCancelled
		result.Detail = fmt.Sprintf("campaign stopped; attempt %d ended %s", result.Attempt, outcome)
		d.emit(ctx, result)
		d.finalize(ctx, item.Index, types.OutcomeCancelled)
		return
	}

	if item.Attempt >= d.cfg.RetryLimit {
		detail := fmt.Sprintf("retry budget spent after %d attempts, last outcome %s", result.Attempt, outcome)
		if result.Detail != "" {
			detail += " (" + result.Detail + ")"
		}
		result.Outcome = types.OutcomeExhausted
		result.Detail = detail
		d.emit(ctx, result)
		d.finalize(ctx, item.Index, types.OutcomeExhausted)
		return
	}

	d.emit(ctx, result)

	next := core.QueueItem{Index: item.Index, Secret: item.Secret, Attempt: item.Attempt + 1}
	if err := d.queue.Push(ctx, next); err != nil {
		d.logger.LogError(ctx, err, "queue.push", "candidate_index", item.Index)
		// Without a requeue the candidate would vanish; exhaust it so the
		// summary still accounts for it.
		failed := result
		failed.ID = uuid.New().String()
		failed.Outcome = types.OutcomeExhausted
		failed.Detail = "requeue failed: " + err.Error()
		failed.Timestamp = time.Now().UTC()
		d.emit(ctx, failed)
		d.finalize(ctx, item.Index, types.OutcomeExhausted)
	}
}

// leaseRoute blocks until an identity is leased, the pool is dead for
// good, or the campaign stops.
func (d *Dispatcher) leaseRoute(ctx context.Context) core.Route {
	for {
		route, err := d.pool.Lease()
		if err == nil {
			return route
		}
		if errors.Is(err, core.ErrAllIdentitiesDead) {
			d.abortCampaign(fmt.Errorf("identity pool exhausted: %w", err))
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.LeaseRetryDelay):
		}
		// A draining campaign may never free an identity again; do not
		// wait on one that is not coming.
		if d.campaign.State() != types.CampaignRunning {
			return nil
		}
	}
}

// finalizeWithout terminally resolves a candidate that has no verifier
// result for this attempt.
func (d *Dispatcher) finalizeWithout(ctx context.Context, item core.QueueItem, detail string) {
	cand := item.AsCandidate()
	result := types.AttemptResult{
		ID:             uuid.New().String(),
		CampaignID:     d.campaign.id,
		CandidateIndex: item.Index,
		SecretDigest:   cand.Digest(),
		Outcome:        types.OutcomeCancelled,
		Attempt:        item.Attempt,
		Detail:         detail,
		Timestamp:      time.Now().UTC(),
	}
	d.emit(ctx, result)
	d.finalize(ctx, item.Index, types.OutcomeCancelled)
}

// emit counts and records one result. Sinks get a detached context; a
// cancelled campaign still owes every candidate its terminal result.
func (d *Dispatcher) emit(ctx context.Context, result types.AttemptResult) {
	d.campaign.recordAttempt(result.Outcome)
	d.logger.LogAttempt(ctx, result)

	sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.sink.Record(sinkCtx, result); err != nil {
		d.logger.LogError(ctx, err, "sink.record",
			"candidate_index", result.CandidateIndex,
			"outcome", string(result.Outcome),
		)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, index int, outcome types.Outcome) {
	if !d.campaign.finalize(index, outcome) {
		d.logger.Warnw("Candidate finalized twice",
			"candidate_index", index,
			"outcome", string(outcome),
		)
		return
	}
	d.telemetry.RecordOutcome(ctx, outcome)
}

func (d *Dispatcher) abortCampaign(err error) {
	d.fatalOnce.Do(func() {
		d.fatalErr = err
		d.campaign.abort(err.Error())
		d.logger.Errorw("Campaign aborted", "error", err.Error())
		if d.cancelRun != nil {
			d.cancelRun()
		}
	})
}

// adjustConcurrency halves the worker ceiling when the trailing window
// shows the endpoint pushing back past the threshold, and restores one
// worker after a full clean window. Floor 1, ceiling the configured
// concurrency.
func (d *Dispatcher) adjustConcurrency(ctx context.Context) {
	d.adjustMu.Lock()
	defer d.adjustMu.Unlock()

	full, rate := d.window.snapshot()
	if !full {
		return
	}

	cur := d.workers.Load()
	switch {
	case rate > d.cfg.BlockedThreshold && cur > 1:
		next := cur / 2
		if next < 1 {
			next = 1
		}
		d.workers.Store(next)
		d.window.reset()
		d.telemetry.RecordWorkers(ctx, int(next-cur))
		d.logger.Warnw("Shedding workers, endpoint pushing back",
			"hostile_rate", rate,
			"workers", next,
		)
	case rate == 0 && cur < int32(d.cfg.Concurrency):
		d.workers.Store(cur + 1)
		d.window.reset()
		d.telemetry.RecordWorkers(ctx, 1)
		d.logger.Infow("Restoring one worker after clean window",
			"workers", cur+1,
		)
	}
}

// drainPending finalizes whatever the retry queue still holds once the
// workers are gone. Every queued item was dispatched at least once, so
// each owes a terminal result.
func (d *Dispatcher) drainPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		item, err := d.queue.Pop(ctx)
		if err != nil {
			d.logger.LogError(ctx, err, "queue.drain")
			return
		}
		if item == nil {
			return
		}
		d.finalizeWithout(ctx, *item, "campaign stopped before re-dispatch")
	}
}

// monitor exports identity health and logs progress while workers run.
func (d *Dispatcher) monitor(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			healthy, cooling, dead := 0, 0, 0
			for _, st := range d.pool.Statuses() {
				switch st.Health {
				case types.IdentityHealthy:
					healthy++
				case types.IdentityCoolingDown:
					cooling++
				case types.IdentityDead:
					dead++
				}
			}
			d.telemetry.RecordIdentityHealth(ctx, healthy, cooling, dead)

			snap := d.Snapshot()
			d.logger.Debugw("Campaign progress",
				"state", string(snap.State),
				"issued", snap.Issued,
				"finalized", snap.Completed,
				"workers", snap.Concurrency,
				"healthy_identities", healthy,
			)
		}
	}
}

func (d *Dispatcher) logSummary(snap types.CampaignSnapshot) {
	fields := []interface{}{
		"state", string(snap.State),
		"issued", snap.Issued,
		"finalized", snap.Completed,
		"attempts_per_sec", fmt.Sprintf("%.2f", snap.AttemptsPerSec),
	}
	for _, outcome := range []types.Outcome{
		types.OutcomeVerified,
		types.OutcomeRejected,
		types.OutcomeTransientError,
		types.OutcomeBlocked,
		types.OutcomeCaptchaTriggered,
		types.OutcomeExhausted,
		types.OutcomeCancelled,
	} {
		if n := snap.Counts[outcome]; n > 0 {
			fields = append(fields, string(outcome), n)
		}
	}
	if exhausted := d.campaign.exhaustedIndexes(); len(exhausted) > 0 {
		fields = append(fields, "exhausted_candidates", exhausted)
	}
	d.logger.Infow("Campaign finished", fields...)
}
