package identity

import (
	"fmt"
	"sort"
	"time"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// Pool manages the egress identities for one campaign. The identity set is
// fixed at construction; only health changes at runtime. Selection favors
// identities with the fewest consecutive failures, falling back to the one
// longest out of rotation.
type Pool struct {
	cfg    config.IdentityConfig
	limits healthLimits
	log    *logger.Logger
	tor    *TorController

	identities []*Identity
	byID       map[string]*Identity
}

func NewPool(specs []types.IdentitySpec, cfg config.IdentityConfig, session config.SessionConfig, clientTimeout time.Duration, log *logger.Logger) (*Pool, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("identity pool needs at least one identity")
	}

	p := &Pool{
		cfg: cfg,
		limits: healthLimits{
			failureThreshold:   cfg.FailureThreshold,
			transientThreshold: cfg.TransientThreshold,
			cooldownBase:       cfg.CooldownBase,
			deadAfterCooldowns: cfg.DeadAfterCooldowns,
		},
		log:  log.WithComponent("identity_pool"),
		byID: make(map[string]*Identity, len(specs)),
	}

	needsTor := false
	for _, spec := range specs {
		if spec.Kind == types.IdentityKindTorCircuit {
			needsTor = true
		}
	}
	if needsTor && cfg.TorControlAddr != "" {
		p.tor = NewTorController(cfg.TorControlAddr, cfg.TorControlPassword, p.log)
	}

	limits := sessionLimits{ttl: session.TokenTTL, size: session.CacheSize}
	proxySeq := 0
	for _, spec := range specs {
		id := p.assignID(spec, &proxySeq)
		ident, err := newIdentity(id, spec, cfg.TorSocksAddr, clientTimeout, limits, log)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", id, err)
		}
		if spec.Kind == types.IdentityKindTorCircuit && p.tor != nil {
			ident.renew = p.tor.RenewCircuit
		}
		p.identities = append(p.identities, ident)
		p.byID[id] = ident
	}

	p.log.Infow("Identity pool ready",
		"identities", len(p.identities),
		"min_idle", cfg.MinIdle,
		"failure_threshold", cfg.FailureThreshold,
	)
	return p, nil
}

// assignID keeps identity ids stable across runs: labels when the roster
// provides them, positional names otherwise.
func (p *Pool) assignID(spec types.IdentitySpec, proxySeq *int) string {
	if spec.Label != "" {
		if _, taken := p.byID[spec.Label]; !taken {
			return spec.Label
		}
	}
	switch spec.Kind {
	case types.IdentityKindDirect:
		return "direct"
	case types.IdentityKindTorCircuit:
		return "tor-circuit"
	default:
		*proxySeq++
		return fmt.Sprintf("proxy-%d", *proxySeq)
	}
}

// Lease hands out an exclusive identity or reports why it cannot. The two
// failure modes differ: ErrIdentityUnavailable means wait and retry,
// ErrAllIdentitiesDead means the campaign is out of egress paths.
func (p *Pool) Lease() (core.Route, error) {
	now := time.Now()

	type candidate struct {
		ident        *Identity
		consecutive  int
		lastReleased time.Time
	}

	aliveCount := 0
	candidates := make([]candidate, 0, len(p.identities))
	for _, ident := range p.identities {
		ok, alive, consecutive, lastReleased := ident.eligible(now, p.cfg.MinIdle)
		if alive {
			aliveCount++
		}
		if ok {
			candidates = append(candidates, candidate{ident, consecutive, lastReleased})
		}
	}

	if aliveCount == 0 {
		return nil, core.ErrAllIdentitiesDead
	}
	if len(candidates) == 0 {
		return nil, core.ErrIdentityUnavailable
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].consecutive != candidates[b].consecutive {
			return candidates[a].consecutive < candidates[b].consecutive
		}
		return candidates[a].lastReleased.Before(candidates[b].lastReleased)
	})

	// State may have moved since the snapshot; take the best that still
	// locks in.
	for _, c := range candidates {
		if c.ident.tryLease(now, p.cfg.MinIdle) {
			return c.ident, nil
		}
	}
	return nil, core.ErrIdentityUnavailable
}

func (p *Pool) Release(route core.Route, outcome types.Outcome) {
	if route == nil {
		return
	}
	ident, ok := p.byID[route.ID()]
	if !ok {
		p.log.Warnw("Release for unknown identity", "identity_id", route.ID())
		return
	}
	ident.release(outcome, p.limits)
}

func (p *Pool) Size() int {
	return len(p.identities)
}

func (p *Pool) HealthyCount() int {
	now := time.Now()
	n := 0
	for _, ident := range p.identities {
		if ident.healthy(now) {
			n++
		}
	}
	return n
}

func (p *Pool) Statuses() []types.IdentityStatus {
	statuses := make([]types.IdentityStatus, 0, len(p.identities))
	for _, ident := range p.identities {
		statuses = append(statuses, ident.status())
	}
	return statuses
}

// Close releases idle transport connections. Leased identities are left
// alone; their verifiers own the in-flight requests.
func (p *Pool) Close() {
	for _, ident := range p.identities {
		ident.client.CloseIdleConnections()
	}
}
