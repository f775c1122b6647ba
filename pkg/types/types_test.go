package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutcomePredicates(t *testing.T) {
	tests := []struct {
		outcome   Outcome
		terminal  bool
		hostile   bool
		retryable bool
	}{
		{OutcomeVerified, true, false, false},
		{OutcomeRejected, true, false, false},
		{OutcomeTransientError, false, false, true},
		{OutcomeBlocked, false, true, true},
		{OutcomeCaptchaTriggered, false, true, true},
		{OutcomeExhausted, true, false, false},
		{OutcomeCancelled, true, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.outcome.Terminal())
			assert.Equal(t, tt.hostile, tt.outcome.Hostile())
			assert.Equal(t, tt.retryable, tt.outcome.Retryable())
		})
	}
}

func TestCandidateDigest(t *testing.T) {
	cand := Candidate{Index: 3, Secret: "Summer2026!"}

	digest := cand.Digest()
	assert.Len(t, digest, 12)
	assert.Equal(t, digest, cand.Digest(), "digest must be stable")
	assert.NotContains(t, digest, "Summer", "digest must not leak the secret")
	assert.NotEqual(t, digest, Candidate{Index: 3, Secret: "Summer2026?"}.Digest())
}

func TestIdempotencyKey(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793, time.UTC)
	base := AttemptResult{
		CampaignID:     "c9f2",
		CandidateIndex: 17,
		IdentityID:     "proxy-2",
		Attempt:        1,
		Timestamp:      ts,
	}

	key := base.IdempotencyKey()
	assert.Len(t, key, 32)
	assert.Equal(t, strings.ToLower(key), key)

	// A redelivery of the same result keys identically; anything that
	// makes it a different attempt must not.
	redelivered := base
	redelivered.ID = "different-row-id"
	redelivered.Outcome = OutcomeRejected
	assert.Equal(t, key, redelivered.IdempotencyKey())

	retry := base
	retry.Attempt = 2
	retry.Timestamp = ts.Add(400 * time.Millisecond)
	assert.NotEqual(t, key, retry.IdempotencyKey())

	otherIdentity := base
	otherIdentity.IdentityID = "proxy-3"
	assert.NotEqual(t, key, otherIdentity.IdempotencyKey())

	otherCampaign := base
	otherCampaign.CampaignID = "b7e1"
	assert.NotEqual(t, key, otherCampaign.IdempotencyKey())
}
