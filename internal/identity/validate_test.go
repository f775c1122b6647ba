package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

func TestValidateMarksUnreachableIdentitiesDead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	specs := []types.IdentitySpec{
		{Kind: types.IdentityKindDirect},
		{Kind: types.IdentityKindHTTPProxy, Endpoint: "http://127.0.0.1:1", Label: "dead-proxy"},
	}
	pool := newTestPool(t, specs, func(cfg *config.IdentityConfig) {
		cfg.ValidateURL = server.URL
		cfg.ValidateTimeout = 2 * time.Second
		cfg.ValidateConcurrency = 4
	})

	require.NoError(t, pool.Validate(context.Background()))

	byID := make(map[string]types.IdentityStatus)
	for _, st := range pool.Statuses() {
		byID[st.ID] = st
	}
	assert.Equal(t, types.IdentityHealthy, byID["direct"].Health)
	assert.GreaterOrEqual(t, byID["direct"].ProbeLatencyMs, int64(0))
	assert.Equal(t, types.IdentityDead, byID["dead-proxy"].Health)
}

func TestValidateFailsWhenNothingCanEgress(t *testing.T) {
	specs := []types.IdentitySpec{
		{Kind: types.IdentityKindHTTPProxy, Endpoint: "http://127.0.0.1:1"},
	}
	pool := newTestPool(t, specs, func(cfg *config.IdentityConfig) {
		cfg.ValidateURL = "http://127.0.0.1:2"
		cfg.ValidateTimeout = time.Second
	})

	err := pool.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no identity passed validation")
}
