package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

func printBanner() {
	color.New(color.FgCyan, color.Bold).Println("carousel")
	color.White("credential audit campaign engine %s\n\n", Version)
}

func printAuthorization(engagement, host string) {
	color.Green("Authorization confirmed\n")
	color.White("  engagement %s covers %s\n\n", engagement, host)
}

func printCampaignSummary(snap types.CampaignSnapshot) {
	fmt.Println()
	fmt.Println("═══ Campaign Summary ═══")
	fmt.Printf("  Campaign: %s\n", snap.ID)
	fmt.Printf("  Target:   %s @ %s (%s)\n", snap.TargetUser, snap.Endpoint, snap.Verifier)
	fmt.Printf("  State:    %s\n", stateTag(snap.State))
	if snap.FinishedAt != nil {
		fmt.Printf("  Duration: %s\n", formatElapsed(snap.FinishedAt.Sub(snap.StartedAt)))
	}
	fmt.Printf("  Attempts: %d issued · %d finalized\n", snap.Issued, snap.Completed)

	if len(snap.Counts) > 0 {
		fmt.Println("\n  Outcomes:")
		order := []types.Outcome{
			types.OutcomeVerified,
			types.OutcomeRejected,
			types.OutcomeExhausted,
			types.OutcomeBlocked,
			types.OutcomeCaptchaTriggered,
			types.OutcomeTransientError,
			types.OutcomeCancelled,
		}
		for _, outcome := range order {
			if n := snap.Counts[outcome]; n > 0 {
				fmt.Printf("    %s %d\n", summaryTag(outcome), n)
			}
		}
	}

	if snap.Error != "" {
		color.Red("\n  Error: %s\n", snap.Error)
	}
	fmt.Println()
}

// printVerified lists verified candidates by digest. Plaintext stays in
// the store and the jsonl export; the terminal scrollback gets none.
func printVerified(results []types.AttemptResult) {
	if len(results) == 0 {
		return
	}
	color.New(color.FgGreen, color.Bold).Printf("  %d candidate(s) verified:\n", len(results))
	for _, r := range results {
		fmt.Printf("    candidate %d  digest %s  via %s  attempt %d\n",
			r.CandidateIndex, r.SecretDigest, r.IdentityID, r.Attempt)
	}
	color.White("  Plaintext: carousel results --campaign %s --outcome verified --export -\n\n", results[0].CampaignID)
}

func printIdentityTable(statuses []types.IdentityStatus) {
	if len(statuses) == 0 {
		fmt.Println("No identities configured")
		return
	}

	fmt.Printf("%-16s %-12s %-32s %-14s %6s %6s %10s\n",
		"ID", "KIND", "ENDPOINT", "HEALTH", "OK", "FAIL", "LATENCY")
	fmt.Println(strings.Repeat("─", 100))

	for _, s := range statuses {
		endpoint := s.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		latency := "-"
		if s.ProbeLatencyMs > 0 {
			latency = fmt.Sprintf("%dms", s.ProbeLatencyMs)
		}
		fmt.Printf("%-16s %-12s %-32s %s %6d %6d %10s\n",
			s.ID,
			s.Kind,
			truncate(endpoint, 32),
			healthTag(s.Health),
			s.Successes,
			s.Failures,
			latency,
		)
	}
}

func stateTag(state types.CampaignState) string {
	switch state {
	case types.CampaignCompleted:
		return color.GreenString(string(state))
	case types.CampaignRunning:
		return color.CyanString(string(state))
	default:
		return color.RedString(string(state))
	}
}

func healthTag(health types.IdentityHealth) string {
	switch health {
	case types.IdentityHealthy:
		return color.GreenString("%-14s", health)
	case types.IdentityCoolingDown:
		return color.YellowString("%-14s", health)
	case types.IdentityDead:
		return color.RedString("%-14s", health)
	default:
		return fmt.Sprintf("%-14s", health)
	}
}

// summaryTag pads inside the colorizer so the count column lines up.
// Every known tag carries one three-byte symbol, so a fixed byte width
// lands each row at the same terminal column.
func summaryTag(outcome types.Outcome) string {
	switch outcome {
	case types.OutcomeVerified:
		return color.New(color.FgGreen, color.Bold).Sprintf("%-16s", "✓ verified")
	case types.OutcomeRejected:
		return color.New(color.FgWhite).Sprintf("%-16s", "✗ rejected")
	case types.OutcomeTransientError:
		return color.New(color.FgYellow).Sprintf("%-16s", "⟳ transient")
	case types.OutcomeBlocked:
		return color.New(color.FgRed).Sprintf("%-16s", "⊘ blocked")
	case types.OutcomeCaptchaTriggered:
		return color.New(color.FgYellow, color.Bold).Sprintf("%-16s", "⊘ captcha")
	case types.OutcomeExhausted:
		return color.New(color.FgRed).Sprintf("%-16s", "✗ exhausted")
	case types.OutcomeCancelled:
		return color.New(color.FgWhite).Sprintf("%-16s", "○ cancelled")
	default:
		// No symbol, so the visible width already matches the tags above.
		return fmt.Sprintf("%-14s", string(outcome))
	}
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
