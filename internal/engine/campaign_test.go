package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

func testTarget() types.Target {
	return types.Target{
		Username: "svc-backup",
		Endpoint: "https://auth.corp.test/login",
		Verifier: "scripted",
	}
}

func TestCampaignStateTransitions(t *testing.T) {
	c := newCampaign("camp-1", testTarget())
	assert.Equal(t, types.CampaignRunning, c.State())

	require.True(t, c.beginDraining())
	assert.False(t, c.beginDraining(), "draining is entered once")
	assert.Equal(t, types.CampaignDraining, c.State())

	require.True(t, c.complete())
	assert.False(t, c.complete())
	assert.Equal(t, types.CampaignCompleted, c.State())

	assert.False(t, c.abort("too late"), "a completed campaign cannot abort")
	assert.Equal(t, types.CampaignCompleted, c.State())
}

func TestCampaignAbort(t *testing.T) {
	c := newCampaign("camp-2", testTarget())
	require.True(t, c.abort("identity pool exhausted"))
	assert.Equal(t, types.CampaignAborted, c.State())

	assert.False(t, c.complete(), "aborted campaigns stay aborted")
	assert.False(t, c.beginDraining())
	assert.False(t, c.abort("second reason"), "the first abort reason wins")

	snap := c.snapshot()
	assert.Equal(t, "identity pool exhausted", snap.Error)
	require.NotNil(t, snap.FinishedAt)
}

func TestCampaignFinalizeOnce(t *testing.T) {
	c := newCampaign("camp-3", testTarget())

	require.True(t, c.finalize(3, types.OutcomeRejected))
	assert.False(t, c.finalize(3, types.OutcomeCancelled), "a candidate finalizes exactly once")
	assert.True(t, c.isFinalized(3))
	assert.False(t, c.isFinalized(4))

	require.True(t, c.finalize(2, types.OutcomeExhausted))
	require.True(t, c.finalize(1, types.OutcomeExhausted))

	assert.Equal(t, []int{1, 2, 3}, c.finalizedIndexes())
	assert.Equal(t, []int{1, 2}, c.exhaustedIndexes())
}

func TestCampaignSnapshotCounters(t *testing.T) {
	c := newCampaign("camp-4", testTarget())

	c.noteIssued()
	c.noteIssued()
	c.recordAttempt(types.OutcomeRejected)
	c.recordAttempt(types.OutcomeRejected)
	c.recordAttempt(types.OutcomeBlocked)
	c.finalize(0, types.OutcomeRejected)

	snap := c.snapshot()
	assert.Equal(t, "camp-4", snap.ID)
	assert.Equal(t, "svc-backup", snap.TargetUser)
	assert.EqualValues(t, 2, snap.Issued)
	assert.EqualValues(t, 1, snap.Completed)
	assert.EqualValues(t, 2, snap.Counts[types.OutcomeRejected])
	assert.EqualValues(t, 1, snap.Counts[types.OutcomeBlocked])
	assert.Nil(t, snap.FinishedAt)
	assert.Greater(t, snap.AttemptsPerSec, 0.0)
}
