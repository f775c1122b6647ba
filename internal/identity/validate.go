package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AshfordSecurity/carousel/internal/httpclient"
)

// Validate probes every identity against the configured check URL before a
// campaign starts, so the dispatcher never spends attempts on egress that
// cannot reach anything. Failed identities are marked dead; the error
// return fires only when nothing at all can egress.
func (p *Pool) Validate(ctx context.Context) error {
	checkURL := p.cfg.ValidateURL
	if checkURL == "" {
		return fmt.Errorf("identity validation needs a check url")
	}
	timeout := p.cfg.ValidateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := p.cfg.ValidateConcurrency
	if limit <= 0 {
		limit = 10
	}

	p.log.Infow("Validating identities",
		"check_url", checkURL,
		"identities", len(p.identities),
		"concurrency", limit,
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, ident := range p.identities {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, checkURL, nil)
			if err != nil {
				return fmt.Errorf("build probe request: %w", err)
			}

			probeStart := time.Now()
			resp, err := ident.probeClient(timeout).Do(req)
			if err != nil {
				// Any completed round trip proves the egress works; a
				// transport error here means it never will.
				ident.markDead(fmt.Sprintf("probe failed: %v", err))
				return nil
			}
			httpclient.CloseBody(resp)
			ident.recordProbe(time.Since(probeStart))
			ident.log.Debugw("Probe succeeded",
				"status", resp.StatusCode,
				"latency", time.Since(probeStart),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	alive := 0
	for _, ident := range p.identities {
		if ident.alive() {
			alive++
		}
	}
	p.log.Infow("Identity validation complete",
		"alive", alive,
		"dead", len(p.identities)-alive,
		"duration", time.Since(start),
	)
	if alive == 0 {
		return fmt.Errorf("no identity passed validation against %s", checkURL)
	}
	return nil
}
