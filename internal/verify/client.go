package verify

import (
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// Login responses are small; anything past this is interstitial noise.
const maxBodyBytes = 10 * 1024

// readBody reads a bounded prefix of the response body and drains the
// rest so the connection can be reused.
func readBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return string(body)
}

// newResult seeds the attempt record shared by every verifier. The
// dispatcher fills in campaign id and attempt number; the plaintext
// secret is only attached when the outcome is verified.
func newResult(candidate types.Candidate, route core.Route) types.AttemptResult {
	return types.AttemptResult{
		ID:             uuid.New().String(),
		CandidateIndex: candidate.Index,
		SecretDigest:   candidate.Digest(),
		IdentityID:     route.ID(),
		Timestamp:      time.Now().UTC(),
	}
}

func finish(result types.AttemptResult, outcome types.Outcome, statusCode int, detail string, start time.Time, secret string) types.AttemptResult {
	result.Outcome = outcome
	result.StatusCode = statusCode
	result.Detail = detail
	result.Latency = time.Since(start)
	if outcome == types.OutcomeVerified {
		result.Secret = secret
	}
	return result
}

// Token extraction mirrors the shapes login pages actually use: an input
// before or after its value, or a meta tag.
func extractToken(htmlBody, fieldName string) string {
	quoted := regexp.QuoteMeta(fieldName)
	patterns := []string{
		`<input[^>]*name="` + quoted + `"[^>]*value="([^"]+)"`,
		`<input[^>]*value="([^"]+)"[^>]*name="` + quoted + `"`,
		`<meta[^>]*name="` + quoted + `"[^>]*content="([^"]+)"`,
	}
	for _, p := range patterns {
		re := regexp.MustCompile(p)
		if matches := re.FindStringSubmatch(htmlBody); len(matches) > 1 {
			return matches[1]
		}
	}
	return ""
}

// tokenFieldNames are tried in order when hunting for an anti-forgery
// token on a login page.
var tokenFieldNames = []string{"CSRFToken", "csrf_token", "_csrf", "authenticity_token", "_token"}
