package verify

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// Built-in marker sets for responses that mean the endpoint is defending
// itself rather than answering. Config can replace each set wholesale.
var (
	defaultRateLimitMarkers = []string{
		"too many requests",
		"rate limit",
		"slow down",
		"try again later",
	}
	defaultLockoutMarkers = []string{
		"account locked",
		"temporarily locked",
		"too many failed",
		"account disabled",
		"account suspended",
	}
	defaultCaptchaMarkers = []string{
		"captcha",
		"recaptcha",
		"hcaptcha",
		"cf-turnstile",
		"are you a robot",
		"verify you are human",
		"unusual traffic",
	}
)

// Markers holds the lowercase body substrings that classify a hostile
// response.
type Markers struct {
	RateLimit []string
	Lockout   []string
	Captcha   []string
}

func markersFromConfig(cfg config.MarkersConfig) Markers {
	m := Markers{
		RateLimit: defaultRateLimitMarkers,
		Lockout:   defaultLockoutMarkers,
		Captcha:   defaultCaptchaMarkers,
	}
	if len(cfg.RateLimit) > 0 {
		m.RateLimit = lowered(cfg.RateLimit)
	}
	if len(cfg.Lockout) > 0 {
		m.Lockout = lowered(cfg.Lockout)
	}
	if len(cfg.Captcha) > 0 {
		m.Captcha = lowered(cfg.Captcha)
	}
	return m
}

func lowered(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// DetectHostile decides whether a response is the endpoint defending
// itself. Returns false when the response is a normal answer and the
// verifier's own success logic should decide. Captcha wins over rate
// limiting; challenge pages usually mention both.
func DetectHostile(statusCode int, body string, m Markers) (types.Outcome, string, bool) {
	bodyLower := strings.ToLower(body)

	for _, marker := range m.Captcha {
		if strings.Contains(bodyLower, marker) {
			return types.OutcomeCaptchaTriggered, "challenge marker: " + marker, true
		}
	}

	if statusCode == 429 {
		return types.OutcomeBlocked, "status 429", true
	}
	for _, marker := range m.RateLimit {
		if strings.Contains(bodyLower, marker) {
			return types.OutcomeBlocked, "rate limit marker: " + marker, true
		}
	}
	for _, marker := range m.Lockout {
		if strings.Contains(bodyLower, marker) {
			return types.OutcomeBlocked, "lockout marker: " + marker, true
		}
	}

	// Marker misses still leave structural challenges; interstitial pages
	// do not always name their vendor in text.
	if looksLikeHTML(body) {
		if reason, found := detectChallengeMarkup(body); found {
			return types.OutcomeCaptchaTriggered, reason, true
		}
	}

	if statusCode >= 500 {
		return types.OutcomeTransientError, fmt.Sprintf("server error %d", statusCode), true
	}

	return "", "", false
}

func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "<") || strings.Contains(trimmed, "<html")
}

// challengeSelectors match the widget markup of the common interstitial
// vendors.
var challengeSelectors = []struct {
	selector string
	reason   string
}{
	{`iframe[src*="recaptcha"]`, "recaptcha iframe"},
	{`div.g-recaptcha`, "recaptcha widget"},
	{`div.h-captcha`, "hcaptcha widget"},
	{`script[src*="hcaptcha.com"]`, "hcaptcha script"},
	{`div.cf-turnstile`, "turnstile widget"},
	{`form#challenge-form`, "challenge form"},
}

func detectChallengeMarkup(body string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	for _, c := range challengeSelectors {
		if doc.Find(c.selector).Length() > 0 {
			return "challenge markup: " + c.reason, true
		}
	}
	return "", false
}

// TransientDetail labels a transport error for the attempt record. All
// transport failures classify as transient; the identity pool decides
// separately whether the egress itself is broken.
func TransientDetail(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "network timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection refused"
	case strings.Contains(msg, "no such host"):
		return "dns failure"
	case strings.Contains(msg, "connection reset"):
		return "connection reset"
	default:
		return "transport error"
	}
}
