package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

func newTestGovernor(t *testing.T, cfg config.PacingConfig) *Governor {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewGovernor(cfg, log)
}

func TestAdmitGlobalCeiling(t *testing.T) {
	g := newTestGovernor(t, config.PacingConfig{
		GlobalRate:  10,
		GlobalBurst: 2,
	})

	ctx := context.Background()

	// Burst admits immediately.
	start := time.Now()
	if err := g.Admit(ctx, "id-1"); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	if err := g.Admit(ctx, "id-2"); err != nil {
		t.Fatalf("second admit failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst admits should be fast, took %v", elapsed)
	}

	// Third admit waits for a token (~100ms at 10/s).
	start = time.Now()
	if err := g.Admit(ctx, "id-3"); err != nil {
		t.Fatalf("third admit failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("third admit should wait for the global bucket, took %v", elapsed)
	}
}

func TestAdmitPerIdentityDelay(t *testing.T) {
	g := newTestGovernor(t, config.PacingConfig{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 100 * time.Millisecond,
	})

	ctx := context.Background()

	if err := g.Admit(ctx, "id-1"); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}

	// Same identity waits out the window.
	start := time.Now()
	if err := g.Admit(ctx, "id-1"); err != nil {
		t.Fatalf("second admit failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("second admit on same identity should wait ~100ms, took %v", elapsed)
	}

	// A different identity is not delayed by id-1's window.
	start = time.Now()
	if err := g.Admit(ctx, "id-2"); err != nil {
		t.Fatalf("admit on second identity failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("other identities should admit immediately, took %v", elapsed)
	}
}

func TestJitterBounds(t *testing.T) {
	s := &paceState{
		minDelay: 10 * time.Millisecond,
		maxDelay: 30 * time.Millisecond,
	}

	for i := 0; i < 200; i++ {
		d := s.jitter()
		if d < s.minDelay || d >= s.maxDelay {
			t.Fatalf("jitter %v outside [%v, %v)", d, s.minDelay, s.maxDelay)
		}
	}

	// Degenerate window yields the fixed delay.
	s.maxDelay = s.minDelay
	if d := s.jitter(); d != s.minDelay {
		t.Errorf("expected fixed delay %v, got %v", s.minDelay, d)
	}
}

func TestPenalizeMonotoneAndCapped(t *testing.T) {
	cfg := config.PacingConfig{
		MinDelay:       100 * time.Millisecond,
		MaxDelay:       200 * time.Millisecond,
		BackoffFactor:  2.0,
		BackoffCeiling: 1 * time.Second,
	}
	g := newTestGovernor(t, cfg)

	prevMin, prevMax := g.Window("id-1")
	for i := 0; i < 6; i++ {
		g.Penalize("id-1", types.OutcomeBlocked)
		min, max := g.Window("id-1")
		if min < prevMin || max < prevMax {
			t.Fatalf("backoff must not decrease: %v/%v after %v/%v", min, max, prevMin, prevMax)
		}
		if min > cfg.BackoffCeiling || max > cfg.BackoffCeiling {
			t.Fatalf("backoff exceeded ceiling: %v/%v", min, max)
		}
		prevMin, prevMax = min, max
	}

	if prevMin != cfg.BackoffCeiling || prevMax != cfg.BackoffCeiling {
		t.Errorf("repeated penalties should reach the ceiling, got %v/%v", prevMin, prevMax)
	}
}

func TestPenalizeSeverity(t *testing.T) {
	cfg := config.PacingConfig{
		MinDelay:       100 * time.Millisecond,
		MaxDelay:       100 * time.Millisecond,
		BackoffFactor:  2.0,
		BackoffCeiling: 1 * time.Hour,
	}
	g := newTestGovernor(t, cfg)

	g.Penalize("blocked-id", types.OutcomeBlocked)
	g.Penalize("captcha-id", types.OutcomeCaptchaTriggered)

	blockedMin, _ := g.Window("blocked-id")
	captchaMin, _ := g.Window("captcha-id")

	if captchaMin <= blockedMin {
		t.Errorf("captcha should back off harder than blocked: %v vs %v", captchaMin, blockedMin)
	}

	// Non-hostile outcomes never penalize.
	g.Penalize("clean-id", types.OutcomeRejected)
	min, max := g.Window("clean-id")
	if min != cfg.MinDelay || max != cfg.MaxDelay {
		t.Errorf("rejected outcome must not widen the window, got %v/%v", min, max)
	}
}

func TestCleanResetsAfterRun(t *testing.T) {
	cfg := config.PacingConfig{
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        200 * time.Millisecond,
		BackoffFactor:   2.0,
		BackoffCeiling:  10 * time.Second,
		ResetAfterClean: 3,
	}
	g := newTestGovernor(t, cfg)

	g.Penalize("id-1", types.OutcomeBlocked)
	g.Penalize("id-1", types.OutcomeBlocked)

	min, _ := g.Window("id-1")
	if min == cfg.MinDelay {
		t.Fatal("window should be widened before the clean run")
	}

	g.Clean("id-1")
	g.Clean("id-1")
	if min, _ = g.Window("id-1"); min == cfg.MinDelay {
		t.Fatal("window reset before the clean run completed")
	}

	g.Clean("id-1")
	min, max := g.Window("id-1")
	if min != cfg.MinDelay || max != cfg.MaxDelay {
		t.Errorf("expected baseline %v/%v after clean run, got %v/%v", cfg.MinDelay, cfg.MaxDelay, min, max)
	}
}

func TestPenaltyResetsCleanRun(t *testing.T) {
	cfg := config.PacingConfig{
		MinDelay:        50 * time.Millisecond,
		MaxDelay:        50 * time.Millisecond,
		BackoffFactor:   2.0,
		BackoffCeiling:  10 * time.Second,
		ResetAfterClean: 2,
	}
	g := newTestGovernor(t, cfg)

	g.Penalize("id-1", types.OutcomeBlocked)
	g.Clean("id-1")
	g.Penalize("id-1", types.OutcomeBlocked)
	g.Clean("id-1")

	// The clean counter restarted after the second penalty, so one more
	// clean outcome is still short of the reset.
	if min, _ := g.Window("id-1"); min == cfg.MinDelay {
		t.Error("interleaved penalty should have restarted the clean run")
	}
}

func TestAdmitCancellation(t *testing.T) {
	g := newTestGovernor(t, config.PacingConfig{
		MinDelay: 5 * time.Second,
		MaxDelay: 5 * time.Second,
	})

	ctx := context.Background()
	if err := g.Admit(ctx, "id-1"); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.Admit(cancelCtx, "id-1")
	if err == nil {
		t.Fatal("expected cancellation error while waiting out the window")
	}
	if err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1*time.Second {
		t.Errorf("cancelled admit should return promptly, took %v", elapsed)
	}
}

func TestGetStats(t *testing.T) {
	g := newTestGovernor(t, config.PacingConfig{
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		GlobalRate:  5,
		GlobalBurst: 3,
	})

	ctx := context.Background()
	_ = g.Admit(ctx, "id-1")
	_ = g.Admit(ctx, "id-2")

	stats := g.GetStats()
	if stats.TrackedIdentities != 2 {
		t.Errorf("expected 2 tracked identities, got %d", stats.TrackedIdentities)
	}
	if stats.GlobalRate != 5 {
		t.Errorf("expected global rate 5, got %g", stats.GlobalRate)
	}
	if stats.GlobalBurst != 3 {
		t.Errorf("expected burst 3, got %d", stats.GlobalBurst)
	}
}
