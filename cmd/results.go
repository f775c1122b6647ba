package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/database"
	"github.com/AshfordSecurity/carousel/internal/sink"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Query recorded campaign results",
	Long: `Query the result store for a finished or running campaign.

Without flags this summarizes the most recent campaign. --campaign selects
one by id, --outcome narrows to one outcome, and --export writes matching
results as jsonl (- for stdout). Exports carry plaintext secrets on
verified results; the summary view never does.`,
	Example: `  carousel results
  carousel results --list
  carousel results --campaign 7d1f3c2a-81f5-4f7e-9a40-2d6cf6b6cb07 --outcome verified --export -
  carousel results --outcome blocked --limit 20`,
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	flags := resultsCmd.Flags()
	flags.String("campaign", "", "campaign id (defaults to the most recent)")
	flags.String("outcome", "", "filter by outcome (verified, rejected, transient-error, blocked, captcha-triggered, exhausted, cancelled)")
	flags.Int("limit", 0, "maximum results to return (0 for all)")
	flags.String("export", "", "write matching results as jsonl to this path (- for stdout)")
	flags.Bool("list", false, "list recorded campaigns instead")
}

func runResults(cmd *cobra.Command, args []string) error {
	campaignID, _ := cmd.Flags().GetString("campaign")
	outcomeArg, _ := cmd.Flags().GetString("outcome")
	limit, _ := cmd.Flags().GetInt("limit")
	export, _ := cmd.Flags().GetString("export")
	list, _ := cmd.Flags().GetBool("list")

	store, err := database.NewStore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if list {
		return listCampaigns(ctx, store, limit)
	}

	snap, err := resolveCampaign(ctx, store, campaignID)
	if err != nil {
		return err
	}

	filter := core.ResultFilter{CampaignID: snap.ID, Limit: limit}
	if outcomeArg != "" {
		outcome, err := parseOutcome(outcomeArg)
		if err != nil {
			return err
		}
		filter.Outcome = outcome
	}

	if export != "" {
		return exportResults(ctx, store, filter, export)
	}

	printCampaignSummary(*snap)

	if filter.Outcome != "" {
		results, err := store.QueryResults(ctx, filter)
		if err != nil {
			return fmt.Errorf("query results: %w", err)
		}
		printResultTable(results)
		return nil
	}

	if snap.Counts[types.OutcomeVerified] > 0 {
		verified, err := store.QueryResults(ctx, core.ResultFilter{
			CampaignID: snap.ID,
			Outcome:    types.OutcomeVerified,
		})
		if err != nil {
			return fmt.Errorf("query verified results: %w", err)
		}
		printVerified(verified)
	}
	return nil
}

// resolveCampaign picks the campaign to report on: an explicit id, or the
// most recently started one.
func resolveCampaign(ctx context.Context, store core.ResultStore, id string) (*types.CampaignSnapshot, error) {
	if id != "" {
		snap, err := store.GetCampaign(ctx, id)
		if err == database.ErrNotFound {
			return nil, fmt.Errorf("no campaign %s in the store", id)
		}
		return snap, err
	}
	snap, err := store.LatestCampaign(ctx)
	if err == database.ErrNotFound {
		return nil, fmt.Errorf("no campaigns recorded yet")
	}
	return snap, err
}

func parseOutcome(s string) (types.Outcome, error) {
	switch o := types.Outcome(strings.ToLower(s)); o {
	case types.OutcomeVerified, types.OutcomeRejected, types.OutcomeTransientError,
		types.OutcomeBlocked, types.OutcomeCaptchaTriggered,
		types.OutcomeExhausted, types.OutcomeCancelled:
		return o, nil
	default:
		return "", fmt.Errorf("unknown outcome %q", s)
	}
}

func listCampaigns(ctx context.Context, store core.ResultStore, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	campaigns, err := store.ListCampaigns(ctx, limit)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		fmt.Println("No campaigns recorded")
		return nil
	}

	fmt.Printf("%-38s %s %-18s %-32s %9s  %s\n", "ID", paddedState(""), "TARGET", "ENDPOINT", "SETTLED", "STARTED")
	fmt.Println(strings.Repeat("─", 124))
	for _, c := range campaigns {
		fmt.Printf("%-38s %s %-18s %-32s %9d  %s\n",
			c.ID,
			paddedState(c.State),
			truncate(c.TargetUser, 18),
			truncate(c.Endpoint, 32),
			c.Completed,
			c.StartedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	return nil
}

// paddedState colors inside the padding; escape codes would break the
// column width otherwise. An empty state yields the header cell.
func paddedState(state types.CampaignState) string {
	if state == "" {
		return fmt.Sprintf("%-10s", "STATE")
	}
	switch state {
	case types.CampaignCompleted:
		return color.GreenString("%-10s", state)
	case types.CampaignRunning:
		return color.CyanString("%-10s", state)
	default:
		return color.RedString("%-10s", state)
	}
}

func printResultTable(results []types.AttemptResult) {
	if len(results) == 0 {
		fmt.Println("No matching results")
		return
	}
	fmt.Printf("%7s  %-18s %-34s %-22s %7s  %s\n", "INDEX", "OUTCOME", "DIGEST", "IDENTITY", "ATTEMPT", "WHEN")
	fmt.Println(strings.Repeat("─", 110))
	for _, r := range results {
		fmt.Printf("%7d  %s %-34s %-22s %7d  %s\n",
			r.CandidateIndex,
			paddedOutcome(r.Outcome),
			r.SecretDigest,
			truncate(r.IdentityID, 22),
			r.Attempt,
			r.Timestamp.Local().Format("15:04:05"),
		)
	}
	fmt.Printf("\n%d result(s)\n", len(results))
}

func paddedOutcome(outcome types.Outcome) string {
	switch outcome {
	case types.OutcomeVerified:
		return color.New(color.FgGreen, color.Bold).Sprintf("%-18s", outcome)
	case types.OutcomeTransientError, types.OutcomeCaptchaTriggered:
		return color.YellowString("%-18s", outcome)
	case types.OutcomeBlocked, types.OutcomeExhausted:
		return color.RedString("%-18s", outcome)
	default:
		return fmt.Sprintf("%-18s", outcome)
	}
}

func exportResults(ctx context.Context, store core.ResultStore, filter core.ResultFilter, dest string) error {
	results, err := store.QueryResults(ctx, filter)
	if err != nil {
		return fmt.Errorf("query results: %w", err)
	}

	if dest == "-" {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
		return nil
	}

	out, err := sink.NewJSONL(dest)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := out.Record(ctx, r); err != nil {
			out.Close()
			return fmt.Errorf("write result: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	fmt.Printf("Exported %d result(s) to %s\n", len(results), dest)
	return nil
}
