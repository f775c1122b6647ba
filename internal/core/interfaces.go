package core

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

// ErrIdentityUnavailable is returned by IdentityPool.Lease when no healthy
// identity currently satisfies the idle interval. Callers wait and retry;
// it is not a terminal condition.
var ErrIdentityUnavailable = errors.New("no identity available")

// ErrAllIdentitiesDead is returned by Lease when every pool identity has
// been marked dead. Unlike ErrIdentityUnavailable there is nothing to wait
// for; the campaign cannot make progress.
var ErrAllIdentitiesDead = errors.New("all identities dead")

// CandidateSource yields candidate secrets in sequence order. Next returns
// io.EOF when the source is exhausted. Sources are consumed once; a new
// campaign needs a fresh source.
type CandidateSource interface {
	Next(ctx context.Context) (types.Candidate, error)
	Close() error
}

// Route is the leased view of a pool identity handed to verifiers: the
// egress transport plus the session state scoped to that identity. Routes
// are valid only between Lease and Release.
type Route interface {
	ID() string
	Kind() types.IdentityKind
	Endpoint() string

	// HTTPClient returns a client whose transport egresses through this
	// route. The client carries the identity's cookie jar.
	HTTPClient() *http.Client

	// DialContext opens a raw TCP connection through this route, for
	// verifiers that speak something other than HTTP.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)

	// Tokens is the identity-scoped session token cache (csrf tokens,
	// session ids). Entries expire on their own; the pool drops the whole
	// cache when the identity cools down.
	Tokens() TokenCache
}

type TokenCache interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Purge()
}

// IdentityPool manages egress identities and their health. Lease is
// non-blocking; Release is the only way health changes.
type IdentityPool interface {
	Lease() (Route, error)
	Release(route Route, outcome types.Outcome)
	Size() int
	HealthyCount() int
	Statuses() []types.IdentityStatus
}

// RateGovernor paces attempts. Admit blocks until the identity may proceed
// or ctx is done. Penalize widens the identity's delay window; Clean counts
// non-hostile outcomes toward the baseline reset.
type RateGovernor interface {
	Admit(ctx context.Context, identityID string) error
	Penalize(identityID string, outcome types.Outcome)
	Clean(identityID string)
}

// Verifier performs one verification attempt through the given route and
// classifies the response. Expected remote conditions never surface as
// errors; a non-nil error means the endpoint contract itself is broken and
// the campaign must stop.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, target types.Target, candidate types.Candidate, route Route) (types.AttemptResult, error)
}

// OutcomeSink consumes the result stream. Implementations tolerate
// out-of-order and at-least-once delivery, keying on campaign id plus
// candidate index plus identity plus timestamp.
type OutcomeSink interface {
	Record(ctx context.Context, result types.AttemptResult) error
	Close() error
}

// QueueItem is one unit of pending work: a candidate plus how many attempts
// it has already consumed. Candidate.Secret does not round-trip JSON, so
// queue entries carry the fields explicitly.
type QueueItem struct {
	Index   int    `json:"index"`
	Secret  string `json:"secret"`
	Attempt int    `json:"attempt"`
}

// AsCandidate rebuilds the candidate for dispatch.
func (q QueueItem) AsCandidate() types.Candidate {
	return types.Candidate{Index: q.Index, Secret: q.Secret}
}

// AttemptQueue holds candidates awaiting re-dispatch after retryable
// outcomes. Pop returns (nil, nil) when the queue is empty.
type AttemptQueue interface {
	Push(ctx context.Context, item QueueItem) error
	Pop(ctx context.Context) (*QueueItem, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// ResultFilter narrows result queries from the store.
type ResultFilter struct {
	CampaignID string
	Outcome    types.Outcome
	Limit      int
	Offset     int
}

// ResultStore persists campaigns and attempt results.
type ResultStore interface {
	SaveCampaign(ctx context.Context, snap types.CampaignSnapshot) error
	UpdateCampaign(ctx context.Context, snap types.CampaignSnapshot) error
	GetCampaign(ctx context.Context, id string) (*types.CampaignSnapshot, error)
	LatestCampaign(ctx context.Context) (*types.CampaignSnapshot, error)
	ListCampaigns(ctx context.Context, limit int) ([]types.CampaignSnapshot, error)
	SaveResult(ctx context.Context, result types.AttemptResult) error
	QueryResults(ctx context.Context, filter ResultFilter) ([]types.AttemptResult, error)
	Close() error
}

// Telemetry records metrics about campaign execution. A noop implementation
// is used when telemetry is disabled.
type Telemetry interface {
	RecordAttempt(ctx context.Context, outcome types.Outcome, duration time.Duration, identityID string)
	RecordOutcome(ctx context.Context, outcome types.Outcome)
	RecordIdentityHealth(ctx context.Context, healthy, coolingDown, dead int)
	RecordWorkers(ctx context.Context, delta int)
	Close() error
}
