package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// HeadlessVerifier drives a real browser through the login form, for
// endpoints that render their form client-side. Slower by an order of
// magnitude than the form verifier; pick it only when the target needs
// JavaScript.
type HeadlessVerifier struct {
	cfg     config.VerifyConfig
	markers Markers
	log     *logger.Logger
}

func NewHeadlessVerifier(cfg config.VerifyConfig, log *logger.Logger) *HeadlessVerifier {
	return &HeadlessVerifier{
		cfg:     cfg,
		markers: markersFromConfig(cfg.Markers),
		log:     log.WithComponent("verify.headless"),
	}
}

func (v *HeadlessVerifier) Name() string { return "headless" }

func (v *HeadlessVerifier) Verify(ctx context.Context, target types.Target, candidate types.Candidate, route core.Route) (types.AttemptResult, error) {
	start := time.Now()
	result := newResult(candidate, route)

	opts := chromedp.DefaultExecAllocatorOptions[:]
	if proxyURL := browserProxyURL(route); proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer browserCancel()

	timeout := v.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	runCtx, runCancel := context.WithTimeout(browserCtx, timeout)
	defer runCancel()

	userField := v.cfg.Form.UserField
	passField := v.cfg.Form.PassField
	userSel := `input[name="` + userField + `"],input[id="` + userField + `"]`
	passSel := `input[name="` + passField + `"],input[id="` + passField + `"]`

	var finalURL, pageContent string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(target.Endpoint),
		chromedp.WaitVisible(userSel, chromedp.ByQuery),
		chromedp.SendKeys(userSel, target.Username, chromedp.ByQuery),
		chromedp.SendKeys(passSel, candidate.Secret, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"],input[type="submit"],button[id="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &pageContent, chromedp.ByQuery),
	)
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return result, fmt.Errorf("headless browser unavailable: %w", err)
		}
		result.Err = err.Error()
		return finish(result, types.OutcomeTransientError, 0, "browser: "+TransientDetail(err), start, ""), nil
	}

	if outcome, detail, hostile := DetectHostile(0, pageContent, v.markers); hostile {
		return finish(result, outcome, 0, detail, start, ""), nil
	}

	if verified, detail := v.landed(finalURL, pageContent); verified {
		return finish(result, types.OutcomeVerified, 0, detail, start, candidate.Secret), nil
	}
	return finish(result, types.OutcomeRejected, 0, "login page rejected credentials", start, ""), nil
}

// browserProxyURL translates the route into a chromium --proxy-server
// value. Tor endpoints are stored as bare host:port.
func browserProxyURL(route core.Route) string {
	switch route.Kind() {
	case types.IdentityKindHTTPProxy, types.IdentityKindSOCKS5:
		return route.Endpoint()
	case types.IdentityKindTorCircuit:
		if route.Endpoint() == "" {
			return ""
		}
		return "socks5://" + route.Endpoint()
	default:
		return ""
	}
}

func (v *HeadlessVerifier) landed(finalURL, pageContent string) (bool, string) {
	contentLower := strings.ToLower(pageContent)
	urlLower := strings.ToLower(finalURL)
	passwordFieldShown := strings.Contains(contentLower, `type="password"`) ||
		strings.Contains(contentLower, `type='password'`)

	// Still parked on a login route with the form visible: definite no.
	for _, hint := range []string{"login", "signin", "auth"} {
		if strings.Contains(urlLower, hint) && passwordFieldShown {
			return false, ""
		}
	}

	for _, marker := range v.cfg.Form.FailureText {
		if marker != "" && strings.Contains(pageContent, marker) {
			return false, ""
		}
	}
	for _, marker := range defaultFailureMarkers {
		if strings.Contains(contentLower, marker) {
			return false, ""
		}
	}

	for _, marker := range v.cfg.Form.SuccessText {
		if marker != "" && strings.Contains(pageContent, marker) {
			return true, "success text matched"
		}
	}

	paths := v.cfg.Form.SuccessPaths
	if len(paths) == 0 {
		paths = defaultSuccessPaths
	}
	for _, p := range paths {
		if p != "" && strings.Contains(urlLower, strings.ToLower(p)) && !passwordFieldShown {
			return true, "landed on " + urlLower
		}
	}

	for _, marker := range []string{"logout", "log out", "sign out", "signout"} {
		if strings.Contains(contentLower, marker) && !passwordFieldShown {
			return true, "session controls present"
		}
	}

	return false, ""
}
