package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/credentials"
)

func setRunFlags(t *testing.T, values map[string]string) {
	t.Helper()
	for name, value := range values {
		require.NoError(t, runCmd.Flags().Set(name, value))
	}
}

func TestRunRequiresTarget(t *testing.T) {
	cfg = config.DefaultConfig()
	setRunFlags(t, map[string]string{
		"target-user": "",
		"endpoint":    "",
		"wordlist":    "",
	})

	err := runCampaign(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--target-user")
}

func TestRunRequiresWordlist(t *testing.T) {
	cfg = config.DefaultConfig()
	setRunFlags(t, map[string]string{
		"target-user": "svc-backup",
		"endpoint":    "https://auth.corp.example.com/login",
		"wordlist":    "",
	})

	err := runCampaign(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--wordlist")
}

func TestRunRequiresManifest(t *testing.T) {
	cfg = config.DefaultConfig()
	cfg.Engagement.ManifestPath = ""
	setRunFlags(t, map[string]string{
		"target-user": "svc-backup",
		"endpoint":    "https://auth.corp.example.com/login",
		"wordlist":    "-",
	})

	err := runCampaign(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engagement manifest")
}

func TestRunRefusedForUncoveredTarget(t *testing.T) {
	cfg = config.DefaultConfig()
	cfg.Engagement.ManifestPath = writeManifest(t, "auth.corp.example.com")
	cfg.Engagement.Acknowledged = true
	setRunFlags(t, map[string]string{
		"target-user": "svc-backup",
		"endpoint":    "https://sso.other-company.example.net/login",
		"wordlist":    "-",
	})

	err := runCampaign(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engagement gate refused campaign")
}

func TestRunRefusedWithoutAcknowledgment(t *testing.T) {
	cfg = config.DefaultConfig()
	cfg.Engagement.ManifestPath = writeManifest(t, "auth.corp.example.com")
	cfg.Engagement.Acknowledged = false
	setRunFlags(t, map[string]string{
		"target-user": "svc-backup",
		"endpoint":    "https://auth.corp.example.com/login",
		"wordlist":    "-",
	})

	err := runCampaign(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engagement gate refused campaign")
}

func TestVaultSecretAbsent(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, ok := vaultSecret(credentials.KeyTorControlPassword)
	assert.False(t, ok)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "7d1f3c2a", shortID("7d1f3c2a-81f5-4f7e-9a40-2d6cf6b6cb07"))
	assert.Equal(t, "abc", shortID("abc"))
}
