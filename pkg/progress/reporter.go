// Package progress renders a one-line live view of a running campaign,
// redrawn in place on a ticker. Disabled outside a terminal so piped
// output stays clean.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Reporter redraws campaign status over itself until its context ends,
// then erases the line.
type Reporter struct {
	mu       sync.Mutex
	w        io.Writer
	enabled  bool
	interval time.Duration
	start    time.Time
}

func NewReporter(w io.Writer, enabled bool, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reporter{
		w:        w,
		enabled:  enabled,
		interval: interval,
		start:    time.Now(),
	}
}

// Run redraws until ctx is cancelled. It returns immediately when the
// reporter is disabled.
func (r *Reporter) Run(ctx context.Context, snapshot func() types.CampaignSnapshot) {
	if !r.enabled {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.clear()
			return
		case <-ticker.C:
			r.render(snapshot())
		}
	}
}

func (r *Reporter) render(snap types.CampaignSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inFlight := snap.Issued - snap.Completed
	if inFlight < 0 {
		inFlight = 0
	}

	line := fmt.Sprintf("%s · done %d · active %d · %.1f/s · workers %d · identities %d",
		formatDuration(time.Since(r.start)),
		snap.Completed,
		inFlight,
		snap.AttemptsPerSec,
		snap.Concurrency,
		snap.HealthyIdentities,
	)

	if n := snap.Counts[types.OutcomeVerified]; n > 0 {
		line += fmt.Sprintf(" · ✓ %d", n)
	}
	if n := snap.Counts[types.OutcomeRejected]; n > 0 {
		line += fmt.Sprintf(" · ✗ %d", n)
	}
	if n := snap.Counts[types.OutcomeBlocked] + snap.Counts[types.OutcomeCaptchaTriggered]; n > 0 {
		line += fmt.Sprintf(" · ⊘ %d", n)
	}

	fmt.Fprintf(r.w, "\r\033[K%s", line)
}

func (r *Reporter) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.w, "\r\033[K")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
