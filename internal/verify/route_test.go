package verify

import (
	"context"
	"net"
	"net/http"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	return log
}

// fakeRoute is a direct-egress route for verifier tests; production
// routes come from the identity pool.
type fakeRoute struct {
	id     string
	client *http.Client
	tokens *mapTokenCache
}

func newFakeRoute() *fakeRoute {
	jar, _ := cookiejar.New(nil)
	return &fakeRoute{
		id:     "direct",
		client: &http.Client{Timeout: 5 * time.Second, Jar: jar},
		tokens: &mapTokenCache{entries: map[string]string{}},
	}
}

func (r *fakeRoute) ID() string               { return r.id }
func (r *fakeRoute) Kind() types.IdentityKind { return types.IdentityKindDirect }
func (r *fakeRoute) Endpoint() string         { return "" }
func (r *fakeRoute) HTTPClient() *http.Client { return r.client }
func (r *fakeRoute) Tokens() core.TokenCache  { return r.tokens }

func (r *fakeRoute) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, network, address)
}

type mapTokenCache struct {
	entries map[string]string
}

func (c *mapTokenCache) Get(key string) (string, bool) {
	v, ok := c.entries[key]
	return v, ok
}

func (c *mapTokenCache) Set(key, value string) { c.entries[key] = value }
func (c *mapTokenCache) Purge()                { c.entries = map[string]string{} }
