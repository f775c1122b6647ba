package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/twmb/murmur3"
)

type Outcome string

const (
	OutcomeVerified         Outcome = "verified"
	OutcomeRejected         Outcome = "rejected"
	OutcomeTransientError   Outcome = "transient-error"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeCaptchaTriggered Outcome = "captcha-triggered"
	OutcomeExhausted        Outcome = "exhausted"
	OutcomeCancelled        Outcome = "cancelled"
)

// Terminal reports whether the outcome finalizes a candidate. Non-terminal
// outcomes send the candidate back through the retry queue.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeVerified, OutcomeRejected, OutcomeExhausted, OutcomeCancelled:
		return true
	}
	return false
}

// Hostile reports whether the outcome is an anti-abuse signal from the
// endpoint, which drives identity penalties and self-throttling.
func (o Outcome) Hostile() bool {
	return o == OutcomeBlocked || o == OutcomeCaptchaTriggered
}

func (o Outcome) Retryable() bool {
	return o == OutcomeTransientError || o.Hostile()
}

type IdentityKind string

const (
	IdentityKindDirect     IdentityKind = "direct"
	IdentityKindHTTPProxy  IdentityKind = "http-proxy"
	IdentityKindSOCKS5     IdentityKind = "socks5"
	IdentityKindTorCircuit IdentityKind = "tor-circuit"
)

type IdentityHealth string

const (
	IdentityHealthy     IdentityHealth = "healthy"
	IdentityCoolingDown IdentityHealth = "cooling-down"
	IdentityDead        IdentityHealth = "dead"
)

type CampaignState string

const (
	CampaignRunning   CampaignState = "running"
	CampaignDraining  CampaignState = "draining"
	CampaignCompleted CampaignState = "completed"
	CampaignAborted   CampaignState = "aborted"
)

// Candidate is one secret value to test, tagged with its position in the
// source sequence. The index is the stable key for retries, checkpoints
// and sink idempotency.
type Candidate struct {
	Index  int    `json:"index"`
	Secret string `json:"-"`
}

// Digest returns a short hex digest of the secret, safe for logs and
// checkpoints where the plaintext must not appear.
func (c Candidate) Digest() string {
	sum := sha256.Sum256([]byte(c.Secret))
	return hex.EncodeToString(sum[:6])
}

// IdentitySpec describes one egress route as configured, before the pool
// turns it into a live identity record.
type IdentitySpec struct {
	Kind     IdentityKind `json:"kind" yaml:"kind"`
	Endpoint string       `json:"endpoint" yaml:"endpoint"`
	Username string       `json:"username,omitempty" yaml:"username,omitempty"`
	Password string       `json:"-" yaml:"password,omitempty"`
	Label    string       `json:"label,omitempty" yaml:"label,omitempty"`
}

// IdentityStatus is a point-in-time snapshot of one pool identity, used by
// the status API and the identities command. Credentials are stripped.
type IdentityStatus struct {
	ID                  string         `json:"id"`
	Kind                IdentityKind   `json:"kind"`
	Endpoint            string         `json:"endpoint"`
	Health              IdentityHealth `json:"health"`
	Leased              bool           `json:"leased"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Successes           int64          `json:"successes"`
	Failures            int64          `json:"failures"`
	LastUsed            time.Time      `json:"last_used,omitempty"`
	ProbeLatencyMs      int64          `json:"probe_latency_ms,omitempty"`
	CooldownUntil       *time.Time     `json:"cooldown_until,omitempty"`
}

type AttemptResult struct {
	ID             string        `json:"id" db:"id"`
	CampaignID     string        `json:"campaign_id" db:"campaign_id"`
	CandidateIndex int           `json:"candidate_index" db:"candidate_index"`
	Secret         string        `json:"secret,omitempty" db:"secret"`
	SecretDigest   string        `json:"secret_digest" db:"secret_digest"`
	IdentityID     string        `json:"identity_id" db:"identity_id"`
	Outcome        Outcome       `json:"outcome" db:"outcome"`
	Attempt        int           `json:"attempt" db:"attempt"`
	StatusCode     int           `json:"status_code,omitempty" db:"status_code"`
	Detail         string        `json:"detail,omitempty" db:"detail"`
	Latency        time.Duration `json:"latency_ns" db:"latency_ns"`
	Timestamp      time.Time     `json:"timestamp" db:"timestamp"`
	Err            string        `json:"error,omitempty" db:"error_message"`
}

// IdempotencyKey names this attempt across at-least-once delivery: the
// same result recorded twice maps to the same key, while a retry of the
// same candidate through the same identity does not.
func (r AttemptResult) IdempotencyKey() string {
	h1, h2 := murmur3.StringSum128(fmt.Sprintf("%s|%d|%s|%d|%d",
		r.CampaignID, r.CandidateIndex, r.IdentityID, r.Attempt, r.Timestamp.UTC().UnixNano()))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

type CampaignSnapshot struct {
	ID                string            `json:"id"`
	Engagement        string            `json:"engagement,omitempty"`
	TargetUser        string            `json:"target_user"`
	Endpoint          string            `json:"endpoint"`
	Verifier          string            `json:"verifier"`
	State             CampaignState     `json:"state"`
	Issued            int64             `json:"issued"`
	Completed         int64             `json:"completed"`
	Counts            map[Outcome]int64 `json:"counts"`
	Concurrency       int               `json:"concurrency"`
	ConcurrencyLimit  int               `json:"concurrency_limit"`
	HealthyIdentities int               `json:"healthy_identities"`
	AttemptsPerSec    float64           `json:"attempts_per_sec"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// Target identifies what a campaign verifies against: one account on one
// endpoint, through one protocol verifier.
type Target struct {
	Username string `json:"username"`
	Endpoint string `json:"endpoint"`
	Verifier string `json:"verifier"`
}
