package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// Governor paces verification attempts: a token bucket caps the global
// attempts-per-second across all identities, and each identity carries its
// own jittered delay window that widens on hostile outcomes and returns to
// baseline after a clean run. Pacing state is independent of the pool's
// routing state, so one flaky identity backs off without throttling the
// rest.
type Governor struct {
	global *rate.Limiter
	cfg    config.PacingConfig
	logger *logger.Logger

	mu     sync.RWMutex
	states map[string]*paceState
}

// paceState is locked per identity. Admission reserves the next slot under
// the lock and sleeps outside it, so concurrent admits on one identity
// stay ordered without serializing other identities.
type paceState struct {
	mu       sync.Mutex
	next     time.Time
	minDelay time.Duration
	maxDelay time.Duration
	cleanRun int
}

type Stats struct {
	TrackedIdentities int     `json:"tracked_identities"`
	GlobalRate        float64 `json:"global_rate"`
	GlobalBurst       int     `json:"global_burst"`
}

func NewGovernor(cfg config.PacingConfig, log *logger.Logger) *Governor {
	limit := rate.Limit(cfg.GlobalRate)
	if cfg.GlobalRate <= 0 {
		limit = rate.Inf
	}
	burst := cfg.GlobalBurst
	if burst < 1 {
		burst = 1
	}

	return &Governor{
		global: rate.NewLimiter(limit, burst),
		cfg:    cfg,
		logger: log.WithComponent("pacing"),
		states: make(map[string]*paceState),
	}
}

func (g *Governor) state(identityID string) *paceState {
	g.mu.RLock()
	s, ok := g.states[identityID]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok = g.states[identityID]; ok {
		return s
	}
	s = &paceState{
		minDelay: g.cfg.MinDelay,
		maxDelay: g.cfg.MaxDelay,
	}
	g.states[identityID] = s
	return s
}

// jitter draws a delay uniformly from the identity's current window.
// A fixed interval would fingerprint the client.
func (s *paceState) jitter() time.Duration {
	if s.maxDelay <= s.minDelay {
		return s.minDelay
	}
	return s.minDelay + time.Duration(rand.Int63n(int64(s.maxDelay-s.minDelay)))
}

// Admit blocks until the next attempt on the identity may proceed: first
// the global bucket, then the identity's own windowed delay. Returns the
// context error if cancelled while waiting.
func (g *Governor) Admit(ctx context.Context, identityID string) error {
	if err := g.global.Wait(ctx); err != nil {
		return err
	}

	s := g.state(identityID)

	s.mu.Lock()
	now := time.Now()
	target := s.next
	if target.Before(now) {
		target = now
	}
	s.next = target.Add(s.jitter())
	s.mu.Unlock()

	wait := time.Until(target)
	if wait <= 0 {
		return nil
	}

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Penalize widens the identity's delay window by the backoff factor, capped
// at the ceiling. Captcha triggers count as the stronger signal and back
// off at twice the factor. The window only narrows again through Clean.
func (g *Governor) Penalize(identityID string, outcome types.Outcome) {
	if !outcome.Hostile() {
		return
	}

	factor := g.cfg.BackoffFactor
	if outcome == types.OutcomeCaptchaTriggered {
		factor *= 2
	}

	s := g.state(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanRun = 0
	s.minDelay = clampDelay(time.Duration(float64(s.minDelay)*factor), g.cfg.BackoffCeiling)
	s.maxDelay = clampDelay(time.Duration(float64(s.maxDelay)*factor), g.cfg.BackoffCeiling)
	if s.maxDelay < s.minDelay {
		s.maxDelay = s.minDelay
	}

	g.logger.Debugw("Identity penalized",
		"identity_id", identityID,
		"outcome", string(outcome),
		"min_delay", s.minDelay.String(),
		"max_delay", s.maxDelay.String(),
	)
}

// Clean counts a non-hostile outcome. After a sustained clean run the
// window resets to the configured baseline.
func (g *Governor) Clean(identityID string) {
	s := g.state(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.minDelay == g.cfg.MinDelay && s.maxDelay == g.cfg.MaxDelay {
		return
	}

	s.cleanRun++
	if s.cleanRun < g.cfg.ResetAfterClean {
		return
	}

	s.cleanRun = 0
	s.minDelay = g.cfg.MinDelay
	s.maxDelay = g.cfg.MaxDelay

	g.logger.Debugw("Identity backoff reset to baseline",
		"identity_id", identityID,
	)
}

// Window reports the identity's current delay bounds.
func (g *Governor) Window(identityID string) (time.Duration, time.Duration) {
	s := g.state(identityID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minDelay, s.maxDelay
}

func (g *Governor) GetStats() Stats {
	g.mu.RLock()
	tracked := len(g.states)
	g.mu.RUnlock()

	return Stats{
		TrackedIdentities: tracked,
		GlobalRate:        float64(g.global.Limit()),
		GlobalBurst:       g.global.Burst(),
	}
}

func clampDelay(d, ceiling time.Duration) time.Duration {
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
