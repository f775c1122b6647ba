package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// consoleSink prints results as colored one-liners. In quiet mode only the
// outcomes an operator acts on appear: verified hits, exhausted candidates
// and hostile signals. Verbose mode shows every attempt.
type consoleSink struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

func NewConsole(w io.Writer, verbose bool) core.OutcomeSink {
	return &consoleSink{w: w, verbose: verbose}
}

func (s *consoleSink) Record(_ context.Context, result types.AttemptResult) error {
	if !s.verbose && !noteworthy(result.Outcome) {
		return nil
	}

	line := fmt.Sprintf("%s  candidate %d  digest %s  identity %s  attempt %d  %s",
		outcomeTag(result.Outcome),
		result.CandidateIndex,
		result.SecretDigest,
		result.IdentityID,
		result.Attempt,
		result.Latency.Round(time.Millisecond),
	)
	if result.Detail != "" && result.Outcome != types.OutcomeRejected {
		line += "  " + result.Detail
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func (s *consoleSink) Close() error { return nil }

func noteworthy(outcome types.Outcome) bool {
	switch outcome {
	case types.OutcomeVerified, types.OutcomeExhausted, types.OutcomeBlocked, types.OutcomeCaptchaTriggered:
		return true
	}
	return false
}

func outcomeTag(outcome types.Outcome) string {
	switch outcome {
	case types.OutcomeVerified:
		return color.New(color.FgGreen, color.Bold).Sprint("✓ verified")
	case types.OutcomeRejected:
		return color.New(color.FgWhite).Sprint("✗ rejected")
	case types.OutcomeTransientError:
		return color.New(color.FgYellow).Sprint("⟳ transient")
	case types.OutcomeBlocked:
		return color.New(color.FgRed).Sprint("⊘ blocked")
	case types.OutcomeCaptchaTriggered:
		return color.New(color.FgYellow, color.Bold).Sprint("⊘ captcha")
	case types.OutcomeExhausted:
		return color.New(color.FgRed).Sprint("✗ exhausted")
	case types.OutcomeCancelled:
		return color.New(color.FgWhite).Sprint("○ cancelled")
	default:
		return string(outcome)
	}
}
