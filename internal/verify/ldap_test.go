package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

func TestLDAPAddr(t *testing.T) {
	tests := []struct {
		endpoint string
		wantAddr string
		wantHost string
		wantTLS  bool
		wantErr  bool
	}{
		{endpoint: "dc01.corp.internal", wantAddr: "dc01.corp.internal:389", wantHost: "dc01.corp.internal"},
		{endpoint: "ldap://dc01.corp.internal", wantAddr: "dc01.corp.internal:389", wantHost: "dc01.corp.internal"},
		{endpoint: "ldaps://dc01.corp.internal", wantAddr: "dc01.corp.internal:636", wantHost: "dc01.corp.internal", wantTLS: true},
		{endpoint: "ldap://dc01.corp.internal:10389", wantAddr: "dc01.corp.internal:10389", wantHost: "dc01.corp.internal"},
		{endpoint: "ldaps://10.0.0.4:3269", wantAddr: "10.0.0.4:3269", wantHost: "10.0.0.4", wantTLS: true},
		{endpoint: "http://dc01.corp.internal", wantErr: true},
		{endpoint: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			addr, host, useTLS, err := ldapAddr(tt.endpoint)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestLDAPVerifierRejectsEmptyPassword(t *testing.T) {
	verifier := NewLDAPVerifier(testVerifyConfig(), testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: "dc01.corp.internal"}

	// Must classify before any network traffic: the endpoint does not
	// resolve, so reaching the dial would fail the test differently.
	result, err := verifier.Verify(context.Background(), target,
		types.Candidate{Secret: ""}, newFakeRoute())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRejected, result.Outcome)
	assert.Contains(t, result.Detail, "anonymously")
}

func TestLDAPVerifierUnreachable(t *testing.T) {
	cfg := testVerifyConfig()
	verifier := NewLDAPVerifier(cfg, testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: "ldap://127.0.0.1:1"}

	result, err := verifier.Verify(context.Background(), target,
		types.Candidate{Secret: "x"}, newFakeRoute())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeTransientError, result.Outcome)
}

func TestLDAPVerifierBadSchemeIsFatal(t *testing.T) {
	verifier := NewLDAPVerifier(testVerifyConfig(), testLog(t))
	target := types.Target{Username: "svc-backup", Endpoint: "http://dc01.corp.internal"}

	_, err := verifier.Verify(context.Background(), target,
		types.Candidate{Secret: "x"}, newFakeRoute())
	assert.Error(t, err)
}
