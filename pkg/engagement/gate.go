package engagement

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/AshfordSecurity/carousel/internal/logger"
)

// Decision is the audit record of one gate check.
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Engagement string    `json:"engagement"`
	Host       string    `json:"host,omitempty"`
	Matched    string    `json:"matched,omitempty"`
	Reason     string    `json:"reason"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Gate decides whether a campaign may start. Every decision, grant or
// denial, is logged.
type Gate struct {
	manifest *Manifest
	log      *logger.Logger
}

func NewGate(manifest *Manifest, log *logger.Logger) *Gate {
	return &Gate{manifest: manifest, log: log.WithComponent("engagement")}
}

// Authorize checks one endpoint against the manifest.
func (g *Gate) Authorize(endpoint string, acknowledged bool) Decision {
	return g.authorizeAt(endpoint, acknowledged, time.Now())
}

func (g *Gate) authorizeAt(endpoint string, acknowledged bool, now time.Time) Decision {
	d := Decision{
		Engagement: g.manifest.Engagement,
		CheckedAt:  now.UTC(),
	}

	host, err := HostOf(endpoint)
	if err != nil {
		d.Reason = err.Error()
		return g.deny(d)
	}
	d.Host = host

	if !acknowledged {
		d.Reason = "authorization not acknowledged; confirm written authorization and pass --acknowledge-authorization"
		return g.deny(d)
	}

	if now.Before(g.manifest.Window.Start) {
		d.Reason = fmt.Sprintf("engagement window opens %s", g.manifest.Window.Start.Format(time.RFC3339))
		return g.deny(d)
	}
	if now.After(g.manifest.Window.End) {
		d.Reason = fmt.Sprintf("engagement window closed %s", g.manifest.Window.End.Format(time.RFC3339))
		return g.deny(d)
	}

	matched, ok := g.matchTarget(host)
	if !ok {
		d.Reason = fmt.Sprintf("host %s is not named by engagement %s", host, g.manifest.Engagement)
		return g.deny(d)
	}

	d.Allowed = true
	d.Matched = matched
	d.Reason = fmt.Sprintf("authorized by %s", matched)
	g.log.Infow("Authorization granted",
		"engagement", d.Engagement,
		"host", d.Host,
		"matched", d.Matched,
	)
	return d
}

func (g *Gate) deny(d Decision) Decision {
	g.log.Warnw("Authorization denied",
		"engagement", d.Engagement,
		"host", d.Host,
		"reason", d.Reason,
	)
	return d
}

// Require turns a denial into a fatal configuration error for the run
// command.
func (g *Gate) Require(endpoint string, acknowledged bool) error {
	d := g.Authorize(endpoint, acknowledged)
	if !d.Allowed {
		return fmt.Errorf("engagement gate refused campaign: %s", d.Reason)
	}
	return nil
}

// matchTarget returns the manifest entry covering host. A *.suffix
// wildcard covers the suffix itself and any subdomain of it.
func (g *Gate) matchTarget(host string) (string, bool) {
	for _, target := range g.manifest.Targets {
		pattern := strings.ToLower(strings.TrimSpace(target))
		if strings.HasPrefix(pattern, "*.") {
			base := strings.TrimPrefix(pattern, "*.")
			if host == base || strings.HasSuffix(host, "."+base) {
				return target, true
			}
			continue
		}
		if host == pattern {
			return target, true
		}
	}
	return "", false
}

// HostOf extracts the lowercase hostname from an endpoint URL or a bare
// host[:port] value.
func HostOf(endpoint string) (string, error) {
	raw := strings.TrimSpace(endpoint)
	if raw == "" {
		return "", fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("failed to parse endpoint %q: %w", endpoint, err)
		}
		raw = u.Host
		if raw == "" {
			return "", fmt.Errorf("endpoint %q has no host", endpoint)
		}
	}

	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.Trim(raw, "[]")

	return strings.TrimSuffix(strings.ToLower(raw), "."), nil
}
