package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

func TestParseOutcome(t *testing.T) {
	for _, valid := range []string{
		"verified", "rejected", "transient-error", "blocked",
		"captcha-triggered", "exhausted", "cancelled",
	} {
		outcome, err := parseOutcome(valid)
		require.NoError(t, err, valid)
		assert.Equal(t, types.Outcome(valid), outcome)
	}

	outcome, err := parseOutcome("VERIFIED")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeVerified, outcome)

	_, err = parseOutcome("maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maybe")
}

func TestResolveCampaignEmpty(t *testing.T) {
	store := newTestStore(t)

	_, err := resolveCampaign(context.Background(), store, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no campaigns recorded")
}

func TestResolveCampaignLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := testSnapshot("campaign-old", time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	newer := testSnapshot("campaign-new", time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveCampaign(ctx, older))
	require.NoError(t, store.SaveCampaign(ctx, newer))

	snap, err := resolveCampaign(ctx, store, "")
	require.NoError(t, err)
	assert.Equal(t, "campaign-new", snap.ID)

	snap, err = resolveCampaign(ctx, store, "campaign-old")
	require.NoError(t, err)
	assert.Equal(t, "campaign-old", snap.ID)

	_, err = resolveCampaign(ctx, store, "campaign-unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "campaign-unknown")
}

func TestExportResultsToFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("campaign-export", time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveCampaign(ctx, snap))
	require.NoError(t, store.SaveResult(ctx, testResult("campaign-export", 0, types.OutcomeRejected)))
	require.NoError(t, store.SaveResult(ctx, testResult("campaign-export", 1, types.OutcomeRejected)))
	require.NoError(t, store.SaveResult(ctx, testResult("campaign-export", 2, types.OutcomeVerified)))

	dest := filepath.Join(t.TempDir(), "results.jsonl")
	err := exportResults(ctx, store, core.ResultFilter{CampaignID: "campaign-export"}, dest)
	require.NoError(t, err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	file, err := os.Open(dest)
	require.NoError(t, err)
	defer file.Close()

	var results []types.AttemptResult
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var r types.AttemptResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		results = append(results, r)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, results, 3)

	// Plaintext belongs to the export, digests to everything else.
	var sawVerified bool
	for _, r := range results {
		if r.Outcome == types.OutcomeVerified {
			sawVerified = true
			assert.Equal(t, "hunter2", r.Secret)
		} else {
			assert.Empty(t, r.Secret)
		}
		assert.NotEmpty(t, r.SecretDigest)
	}
	assert.True(t, sawVerified)
}

func TestExportResultsFiltered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("campaign-filter", time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveCampaign(ctx, snap))
	require.NoError(t, store.SaveResult(ctx, testResult("campaign-filter", 0, types.OutcomeRejected)))
	require.NoError(t, store.SaveResult(ctx, testResult("campaign-filter", 1, types.OutcomeVerified)))

	dest := filepath.Join(t.TempDir(), "verified.jsonl")
	err := exportResults(ctx, store, core.ResultFilter{
		CampaignID: "campaign-filter",
		Outcome:    types.OutcomeVerified,
	}, dest)
	require.NoError(t, err)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)

	var r types.AttemptResult
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, types.OutcomeVerified, r.Outcome)
	assert.Equal(t, 1, r.CandidateIndex)
}

func TestListCampaignsEmpty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, listCampaigns(context.Background(), store, 0))
}
