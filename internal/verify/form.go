package verify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

var defaultSuccessPaths = []string{"/dashboard", "/account", "/home", "/portal", "/main", "/overview"}

var defaultFailureMarkers = []string{
	"invalid credentials", "invalid username", "invalid password",
	"incorrect password", "incorrect username", "login failed",
	"authentication failed", "access denied", "wrong password",
	"wrong username", "login error",
}

// FormVerifier submits an HTML login form and decides the outcome from
// where the site lands. Anti-forgery tokens are fetched once per identity
// session and cached on the route.
type FormVerifier struct {
	cfg     config.VerifyConfig
	markers Markers
	log     *logger.Logger
}

func NewFormVerifier(cfg config.VerifyConfig, log *logger.Logger) *FormVerifier {
	return &FormVerifier{
		cfg:     cfg,
		markers: markersFromConfig(cfg.Markers),
		log:     log.WithComponent("verify.form"),
	}
}

func (v *FormVerifier) Name() string { return "form" }

func (v *FormVerifier) Verify(ctx context.Context, target types.Target, candidate types.Candidate, route core.Route) (types.AttemptResult, error) {
	start := time.Now()
	result := newResult(candidate, route)

	data := url.Values{}
	data.Set(v.cfg.Form.UserField, target.Username)
	data.Set(v.cfg.Form.PassField, candidate.Secret)
	if field, token := v.antiForgeryToken(ctx, target.Endpoint, route); token != "" {
		data.Set(field, token)
	}

	req, err := v.buildRequest(ctx, target.Endpoint, data)
	if err != nil {
		return result, err
	}
	if v.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", v.cfg.UserAgent)
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

	if verified, detail := v.landedLoggedIn(resp, body); verified {
		return finish(result, types.OutcomeVerified, resp.StatusCode, detail, start, candidate.Secret), nil
	}
	return finish(result, types.OutcomeRejected, resp.StatusCode, "login form rejected credentials", start, ""), nil
}

func (v *FormVerifier) buildRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	if strings.EqualFold(v.cfg.Form.Method, http.MethodGet) {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+sep+data.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q is not a usable url: %w", endpoint, err)
		}
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("endpoint %q is not a usable url: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// antiForgeryToken returns the login form's token, fetching the page only
// when the route's session cache has nothing fresh.
func (v *FormVerifier) antiForgeryToken(ctx context.Context, endpoint string, route core.Route) (field, token string) {
	if field, ok := route.Tokens().Get("csrf_field"); ok {
		if token, ok := route.Tokens().Get("csrf_token"); ok {
			return field, token
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", ""
	}
	if v.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", v.cfg.UserAgent)
	}
	resp, err := route.HTTPClient().Do(req)
	if err != nil {
		return "", ""
	}
	body := readBody(resp)

	for _, name := range tokenFieldNames {
		if tok := extractToken(body, name); tok != "" {
			route.Tokens().Set("csrf_field", name)
			route.Tokens().Set("csrf_token", tok)
			return name, tok
		}
	}
	return "", ""
}

// landedLoggedIn applies the success heuristics in order of confidence:
// configured text, landing path, then the logout-link heuristic. A page
// still showing a password field is always a failure.
func (v *FormVerifier) landedLoggedIn(resp *http.Response, body string) (bool, string) {
	bodyLower := strings.ToLower(body)

	for _, marker := range v.cfg.Form.FailureText {
		if marker != "" && strings.Contains(body, marker) {
			return false, ""
		}
	}
	for _, marker := range defaultFailureMarkers {
		if strings.Contains(bodyLower, marker) {
			return false, ""
		}
	}
	if strings.Contains(bodyLower, `type="password"`) || strings.Contains(bodyLower, `type='password'`) {
		return false, ""
	}

	for _, marker := range v.cfg.Form.SuccessText {
		if marker != "" && strings.Contains(body, marker) {
			return true, "success text matched"
		}
	}

	finalPath := ""
	if resp.Request != nil && resp.Request.URL != nil {
		finalPath = strings.ToLower(resp.Request.URL.Path)
	}
	paths := v.cfg.Form.SuccessPaths
	if len(paths) == 0 {
		paths = defaultSuccessPaths
	}
	for _, p := range paths {
		if p != "" && strings.Contains(finalPath, strings.ToLower(p)) {
			return true, "landed on " + finalPath
		}
	}

	for _, marker := range []string{"logout", "log out", "sign out", "signout"} {
		if strings.Contains(bodyLower, marker) {
			return true, "session controls present"
		}
	}

	return false, ""
}
