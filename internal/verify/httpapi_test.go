package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

func testVerifyConfig() config.VerifyConfig {
	return config.DefaultConfig().Verify
}

func TestAPIVerifierOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))

		switch creds["password"] {
		case "correct-horse":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token":"abc123"}`))
		case "throttle-me":
			w.WriteHeader(http.StatusTooManyRequests)
		case "break-things":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"unauthorized"}`))
		}
	}))
	defer server.Close()

	verifier := NewAPIVerifier(testVerifyConfig(), testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: server.URL, Verifier: "httpapi"}

	tests := []struct {
		name    string
		secret  string
		outcome types.Outcome
	}{
		{"verified", "correct-horse", types.OutcomeVerified},
		{"rejected", "wrong-password", types.OutcomeRejected},
		{"blocked", "throttle-me", types.OutcomeBlocked},
		{"transient", "break-things", types.OutcomeTransientError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := types.Candidate{Index: 1, Secret: tt.secret}
			result, err := verifier.Verify(context.Background(), target, candidate, newFakeRoute())
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, 1, result.CandidateIndex)
			assert.Equal(t, "direct", result.IdentityID)
			assert.NotEmpty(t, result.SecretDigest)

			if tt.outcome == types.OutcomeVerified {
				assert.Equal(t, tt.secret, result.Secret)
			} else {
				assert.Empty(t, result.Secret, "plaintext must only ride on verified results")
			}
		})
	}
}

func TestAPIVerifierSendsConfiguredHeaders(t *testing.T) {
	var gotAuth, gotExtra string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotExtra = r.Header.Get("X-Audit-Run")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	cfg := testVerifyConfig()
	cfg.API.AuthToken = "tok-999"
	cfg.API.Headers = map[string]string{"X-Audit-Run": "eng-4711"}

	verifier := NewAPIVerifier(cfg, testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: server.URL}
	_, err := verifier.Verify(context.Background(), target, types.Candidate{Index: 0, Secret: "x"}, newFakeRoute())
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-999", gotAuth)
	assert.Equal(t, "eng-4711", gotExtra)
}

func TestAPIVerifierFatalOnNonLoginEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	verifier := NewAPIVerifier(testVerifyConfig(), testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: server.URL}
	_, err := verifier.Verify(context.Background(), target, types.Candidate{Secret: "x"}, newFakeRoute())
	require.Error(t, err, "a 404 endpoint can never verify anything and must abort the campaign")
	assert.Contains(t, err.Error(), "does not accept verification requests")
}

func TestAPIVerifierUnreachableEndpointIsTransient(t *testing.T) {
	verifier := NewAPIVerifier(testVerifyConfig(), testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: "http://127.0.0.1:1"}

	result, err := verifier.Verify(context.Background(), target, types.Candidate{Secret: "x"}, newFakeRoute())
	require.NoError(t, err, "an unreachable endpoint is retryable, not fatal")
	assert.Equal(t, types.OutcomeTransientError, result.Outcome)
	assert.NotEmpty(t, result.Err)
}

func TestAPIVerifierErrorEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"account requires mfa"}`))
	}))
	defer server.Close()

	verifier := NewAPIVerifier(testVerifyConfig(), testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: server.URL}
	result, err := verifier.Verify(context.Background(), target, types.Candidate{Secret: "x"}, newFakeRoute())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRejected, result.Outcome,
		"a 200 with an error envelope is still a rejection")
}
