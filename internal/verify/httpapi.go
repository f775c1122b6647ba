package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// APIVerifier posts credentials as JSON and reads the answer from the
// status code. This is the default verifier; most internal services under
// audit expose a JSON login or token endpoint.
type APIVerifier struct {
	cfg     config.VerifyConfig
	markers Markers
	log     *logger.Logger
}

func NewAPIVerifier(cfg config.VerifyConfig, log *logger.Logger) *APIVerifier {
	return &APIVerifier{
		cfg:     cfg,
		markers: markersFromConfig(cfg.Markers),
		log:     log.WithComponent("verify.httpapi"),
	}
}

func (v *APIVerifier) Name() string { return "httpapi" }

func (v *APIVerifier) Verify(ctx context.Context, target types.Target, candidate types.Candidate, route core.Route) (types.AttemptResult, error) {
	start := time.Now()
	result := newResult(candidate, route)

	payload, err := json.Marshal(map[string]string{
		"username": target.Username,
		"password": candidate.Secret,
	})
	if err != nil {
		return result, fmt.Errorf("encode credentials payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return result, fmt.Errorf("endpoint %q is not a usable url: %w", target.Endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if v.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", v.cfg.UserAgent)
	}
	if v.cfg.API.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+v.cfg.API.AuthToken)
	}
	for key, value := range v.cfg.API.Headers {
		req.Header.Set(key, value)
	}

	resp, err := route.HTTPClient().Do(req)
	if err != nil {
		result.Err = err.Error()
		return finish(result, types.OutcomeTransientError, 0, TransientDetail(err), start, ""), nil
	}
	body := readBody(resp)

	if outcome, detail, hostile := DetectHostile(resp.StatusCode, body, v.markers); hostile {
		return finish(result, outcome, resp.StatusCode, detail, start, ""), nil
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		// The endpoint is not a login endpoint; every further attempt
		// would fail the same way.
		return result, fmt.Errorf("endpoint %s does not accept verification requests (status %d)", target.Endpoint, resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Some endpoints answer 200 with an error envelope.
		lower := strings.ToLower(body)
		if strings.Contains(lower, `"error"`) || strings.Contains(lower, "invalid") {
			return finish(result, types.OutcomeRejected, resp.StatusCode, "error envelope in response", start, ""), nil
		}
		return finish(result, types.OutcomeVerified, resp.StatusCode, "", start, candidate.Secret), nil
	}

	return finish(result, types.OutcomeRejected, resp.StatusCode, fmt.Sprintf("status %d", resp.StatusCode), start, ""), nil
}
