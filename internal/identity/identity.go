package identity

import (
	"context"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/httpclient"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// Identity is one egress path with its own transport, session state, and
// health bookkeeping. Each identity carries its own lock so health updates
// on one never serialize attempts on another.
type Identity struct {
	id       string
	kind     types.IdentityKind
	endpoint string
	label    string

	client  *http.Client
	proxyFn proxyFunc
	dialFn  dialFunc
	jar     http.CookieJar
	tokens  *tokenCache

	clientTimeout time.Duration
	sessionTTL    time.Duration
	sessionSize   int

	// renew swaps the underlying circuit instead of cooling down, for
	// identities whose egress can be rotated in place.
	renew func() error

	log *logger.Logger

	mu                  sync.Mutex
	health              types.IdentityHealth
	leased              bool
	consecutiveFailures int
	transientFailures   int
	cooldowns           int
	cooldownUntil       time.Time
	lastReleased        time.Time
	successes           int64
	failures            int64
	probeLatency        time.Duration
}

func newIdentity(id string, spec types.IdentitySpec, torSocksAddr string, clientTimeout time.Duration, session sessionLimits, log *logger.Logger) (*Identity, error) {
	proxyFn, dialFn, err := buildTransport(spec, torSocksAddr)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	ident := &Identity{
		id:            id,
		kind:          spec.Kind,
		endpoint:      spec.Endpoint,
		label:         spec.Label,
		proxyFn:       proxyFn,
		dialFn:        dialFn,
		jar:           jar,
		tokens:        newTokenCache(session.size, session.ttl),
		clientTimeout: clientTimeout,
		sessionTTL:    session.ttl,
		sessionSize:   session.size,
		log:           log.WithIdentity(id),
		health:        types.IdentityHealthy,
	}
	ident.client = httpclient.NewClient(httpclient.ClientConfig{
		Timeout:         clientTimeout,
		FollowRedirects: true,
		MaxRedirects:    10,
		Proxy:           proxyFn,
		DialContext:     dialFn,
		Jar:             jar,
	})
	return ident, nil
}

type sessionLimits struct {
	ttl  time.Duration
	size int
}

func (i *Identity) ID() string               { return i.id }
func (i *Identity) Kind() types.IdentityKind { return i.kind }
func (i *Identity) Endpoint() string         { return i.endpoint }
func (i *Identity) HTTPClient() *http.Client { return i.client }
func (i *Identity) Tokens() core.TokenCache  { return i.tokens }

func (i *Identity) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if i.dialFn != nil {
		return i.dialFn(ctx, network, address)
	}
	d := &net.Dialer{Timeout: 30 * time.Second}
	return d.DialContext(ctx, network, address)
}

// probeClient builds a short-lived client over this identity's transport
// for pre-flight validation. Separate from the attempt client so probes
// never pollute the session jar.
func (i *Identity) probeClient(timeout time.Duration) *http.Client {
	return httpclient.NewProbeClient(timeout, i.proxyFn, i.dialFn)
}

// eligible reports whether this identity can be leased right now, expiring
// a finished cooldown on the way, and returns the sort keys used to rank
// candidates. Direct egress skips the idle interval; there is no address
// to burn.
func (i *Identity) eligible(now time.Time, minIdle time.Duration) (ok, alive bool, consecutive int, lastReleased time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.health == types.IdentityDead {
		return false, false, 0, time.Time{}
	}
	if i.health == types.IdentityCoolingDown && !now.Before(i.cooldownUntil) {
		i.health = types.IdentityHealthy
		i.cooldownUntil = time.Time{}
		i.log.Debugw("Cooldown expired, identity back in rotation")
	}
	if i.health != types.IdentityHealthy || i.leased {
		return false, true, 0, time.Time{}
	}
	if i.kind != types.IdentityKindDirect && minIdle > 0 && !i.lastReleased.IsZero() {
		if now.Sub(i.lastReleased) < minIdle {
			return false, true, 0, time.Time{}
		}
	}
	return true, true, i.consecutiveFailures, i.lastReleased
}

// tryLease marks the identity leased if it is still eligible. The caller
// ranked candidates from a snapshot; state may have moved since.
func (i *Identity) tryLease(now time.Time, minIdle time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.health != types.IdentityHealthy || i.leased {
		return false
	}
	if i.kind != types.IdentityKindDirect && minIdle > 0 && !i.lastReleased.IsZero() {
		if now.Sub(i.lastReleased) < minIdle {
			return false
		}
	}
	i.leased = true
	return true
}

// release returns the identity to the pool and applies the health
// transition for the attempt's outcome.
func (i *Identity) release(outcome types.Outcome, limits healthLimits) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.leased = false
	i.lastReleased = time.Now()

	switch outcome {
	case types.OutcomeVerified, types.OutcomeRejected:
		// The endpoint answered normally; this egress is trusted again.
		i.successes++
		i.consecutiveFailures = 0
		i.transientFailures = 0

	case types.OutcomeBlocked, types.OutcomeCaptchaTriggered:
		i.failures++
		i.consecutiveFailures++
		if outcome == types.OutcomeCaptchaTriggered {
			i.consecutiveFailures++
		}
		if i.consecutiveFailures >= limits.failureThreshold {
			i.quarantine(limits, "endpoint flagged this egress")
		}

	case types.OutcomeTransientError:
		i.failures++
		i.transientFailures++
		if limits.transientThreshold > 0 && i.transientFailures >= limits.transientThreshold {
			i.quarantine(limits, "egress persistently failing")
		}
	}
}

// quarantine is called with i.mu held once an identity crosses a failure
// threshold. Rotatable identities renew their circuit in place; everything
// else cools down, then dies after too many cooldowns.
func (i *Identity) quarantine(limits healthLimits, reason string) {
	if i.renew != nil {
		err := i.renew()
		if err == nil {
			i.consecutiveFailures = 0
			i.transientFailures = 0
			i.resetSession()
			i.log.Infow("Circuit renewed in place", "reason", reason)
			return
		}
		i.log.Debugw("Circuit renewal unavailable, cooling down instead", "error", err)
	}

	i.cooldowns++
	i.consecutiveFailures = 0
	i.transientFailures = 0
	i.resetSession()

	if limits.deadAfterCooldowns > 0 && i.cooldowns > limits.deadAfterCooldowns {
		i.health = types.IdentityDead
		i.log.Warnw("Identity marked dead", "reason", reason, "cooldowns", i.cooldowns)
		return
	}

	// Each cooldown doubles the previous one.
	d := limits.cooldownBase << (i.cooldowns - 1)
	i.health = types.IdentityCoolingDown
	i.cooldownUntil = time.Now().Add(d)
	i.log.Infow("Identity cooling down",
		"reason", reason,
		"duration", d,
		"cooldowns", i.cooldowns,
	)
}

// resetSession drops cookies and cached tokens so the next lease starts a
// clean session. Called with i.mu held.
func (i *Identity) resetSession() {
	i.tokens.Purge()
	if jar, err := cookiejar.New(nil); err == nil {
		i.jar = jar
		i.client.Jar = jar
	}
}

func (i *Identity) markDead(reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.health = types.IdentityDead
	i.log.Warnw("Identity marked dead", "reason", reason)
}

func (i *Identity) recordProbe(latency time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.probeLatency = latency
}

func (i *Identity) alive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.health != types.IdentityDead
}

func (i *Identity) healthy(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.health == types.IdentityCoolingDown && !now.Before(i.cooldownUntil) {
		return true
	}
	return i.health == types.IdentityHealthy
}

func (i *Identity) status() types.IdentityStatus {
	i.mu.Lock()
	defer i.mu.Unlock()

	st := types.IdentityStatus{
		ID:                  i.id,
		Kind:                i.kind,
		Endpoint:            redactEndpoint(i.endpoint),
		Health:              i.health,
		Leased:              i.leased,
		ConsecutiveFailures: i.consecutiveFailures,
		Successes:           i.successes,
		Failures:            i.failures,
		LastUsed:            i.lastReleased,
	}
	if i.probeLatency > 0 {
		st.ProbeLatencyMs = i.probeLatency.Milliseconds()
	}
	if i.health == types.IdentityCoolingDown {
		until := i.cooldownUntil
		st.CooldownUntil = &until
	}
	return st
}

type healthLimits struct {
	failureThreshold   int
	transientThreshold int
	cooldownBase       time.Duration
	deadAfterCooldowns int
}
