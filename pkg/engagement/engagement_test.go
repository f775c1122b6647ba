package engagement

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/logger"
)

func testGate(t *testing.T, m *Manifest) *Gate {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewGate(m, log)
}

func testManifest() *Manifest {
	return &Manifest{
		Engagement: "ENG-2026-014",
		Client:     "Example Corp",
		Contact:    "secteam@example.com",
		Window: Window{
			Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		Targets: []string{"auth.corp.example.com", "*.sso.example.com", "10.0.40.17"},
	}
}

func insideWindow() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engagement.yaml")
	content := `
engagement: ENG-2026-014
client: Example Corp
contact: secteam@example.com
window:
  start: 2026-03-01T00:00:00Z
  end: 2026-04-01T00:00:00Z
targets:
  - auth.corp.example.com
  - "*.sso.example.com"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ENG-2026-014", m.Engagement)
	assert.Equal(t, "Example Corp", m.Client)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), m.Window.Start)
	assert.Len(t, m.Targets, 2)
	assert.Contains(t, m.Targets, "*.sso.example.com")
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read engagement manifest")
}

// The shipped example must stay loadable; operators copy it verbatim.
func TestLoadShippedExampleManifest(t *testing.T) {
	m, err := Load(filepath.Join("..", "..", "examples", "engagement.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "acme-cred-audit-2026-03", m.Engagement)
	assert.NotEmpty(t, m.Targets)
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"missing engagement name", func(m *Manifest) { m.Engagement = " " }, "missing engagement name"},
		{"missing client", func(m *Manifest) { m.Client = "" }, "missing client"},
		{"zero window", func(m *Manifest) { m.Window = Window{} }, "window start and end are required"},
		{"inverted window", func(m *Manifest) { m.Window.End = m.Window.Start.Add(-time.Hour) }, "not after start"},
		{"no targets", func(m *Manifest) { m.Targets = nil }, "no authorized targets"},
		{"empty target", func(m *Manifest) { m.Targets = []string{""} }, "empty target entry"},
		{"bare star", func(m *Manifest) { m.Targets = []string{"*"} }, "only *.suffix is allowed"},
		{"infix wildcard", func(m *Manifest) { m.Targets = []string{"auth.*.example.com"} }, "only *.suffix is allowed"},
		{"dangling wildcard", func(m *Manifest) { m.Targets = []string{"*."} }, "must name a domain suffix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, testManifest().Validate())
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"https://Auth.Corp.Example.com/login", "auth.corp.example.com"},
		{"https://auth.corp.example.com:8443/login", "auth.corp.example.com"},
		{"ssh://10.0.40.17:22", "10.0.40.17"},
		{"auth.corp.example.com", "auth.corp.example.com"},
		{"auth.corp.example.com:8443", "auth.corp.example.com"},
		{"imap.example.com.", "imap.example.com"},
		{"https://[::1]:8080/login", "::1"},
	}

	for _, tt := range tests {
		got, err := HostOf(tt.endpoint)
		require.NoError(t, err, tt.endpoint)
		assert.Equal(t, tt.want, got, tt.endpoint)
	}

	_, err := HostOf("")
	assert.Error(t, err)
	_, err = HostOf("https://")
	assert.Error(t, err)
}

func TestGateAuthorizeExactHost(t *testing.T) {
	gate := testGate(t, testManifest())

	d := gate.authorizeAt("https://auth.corp.example.com/login", true, insideWindow())
	assert.True(t, d.Allowed)
	assert.Equal(t, "ENG-2026-014", d.Engagement)
	assert.Equal(t, "auth.corp.example.com", d.Host)
	assert.Equal(t, "auth.corp.example.com", d.Matched)
}

func TestGateAuthorizeWildcard(t *testing.T) {
	gate := testGate(t, testManifest())

	sub := gate.authorizeAt("https://login.sso.example.com/", true, insideWindow())
	assert.True(t, sub.Allowed)
	assert.Equal(t, "*.sso.example.com", sub.Matched)

	// The wildcard covers its own base domain too.
	base := gate.authorizeAt("https://sso.example.com/", true, insideWindow())
	assert.True(t, base.Allowed)

	// Suffix matching is label-aware, not substring.
	evil := gate.authorizeAt("https://evilsso.example.com.attacker.net/", true, insideWindow())
	assert.False(t, evil.Allowed)
	cousin := gate.authorizeAt("https://notsso.example.com/", true, insideWindow())
	assert.False(t, cousin.Allowed)
}

func TestGateDeniesUnlistedHost(t *testing.T) {
	gate := testGate(t, testManifest())

	d := gate.authorizeAt("https://mail.example.com/login", true, insideWindow())
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "not named by engagement ENG-2026-014")
	assert.Empty(t, d.Matched)
}

func TestGateDeniesWithoutAcknowledgment(t *testing.T) {
	gate := testGate(t, testManifest())

	d := gate.authorizeAt("https://auth.corp.example.com/login", false, insideWindow())
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "authorization not acknowledged")
}

func TestGateEnforcesWindow(t *testing.T) {
	gate := testGate(t, testManifest())

	early := gate.authorizeAt("https://auth.corp.example.com/", true,
		time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC))
	assert.False(t, early.Allowed)
	assert.Contains(t, early.Reason, "window opens")

	late := gate.authorizeAt("https://auth.corp.example.com/", true,
		time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC))
	assert.False(t, late.Allowed)
	assert.Contains(t, late.Reason, "window closed")
}

func TestGateRequire(t *testing.T) {
	m := testManifest()
	m.Window.Start = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Window.End = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	gate := testGate(t, m)

	assert.NoError(t, gate.Require("https://auth.corp.example.com/login", true))

	err := gate.Require("https://auth.corp.example.com/login", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engagement gate refused campaign")
}
