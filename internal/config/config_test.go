package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
identity:
  email: me@example.com
  name: Operator
database:
  path: data/enlist.db
`

func TestLoad_MinimalWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "enlist", cfg.App.Name)
	assert.Equal(t, "me@example.com", cfg.Identity.Email)
	assert.Equal(t, 3, cfg.Run.ConcurrencyLimit)
	assert.Equal(t, 2000, cfg.Run.InterTaskDelayMS)
	assert.Equal(t, 2*time.Second, cfg.Run.InterTaskDelay())
	require.NotNil(t, cfg.Run.SkipTeamRegistered)
	assert.True(t, *cfg.Run.SkipTeamRegistered)
	assert.Equal(t, "disabled", cfg.Ledger.Backend)
	assert.Equal(t, 5, cfg.Ledger.Retry.MaxRetries)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
	assert.Equal(t, "exports", cfg.Exports.Path)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("LEDGER_TOKEN", "tok-from-env")

	cfg, err := Load(writeConfig(t, minimalConfig+`
ledger:
  backend: http
  http:
    endpoint: https://ledger.example.com/api
    token: ${LEDGER_TOKEN}
`))
	require.NoError(t, err)
	assert.Equal(t, "tok-from-env", cfg.Ledger.HTTP.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("MissingIdentity", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
database:
  path: data/enlist.db
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity email")
	})

	t.Run("MissingDatabasePath", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
identity:
  email: me@example.com
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database path")
	})

	t.Run("HTTPBackendNeedsEndpoint", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
ledger:
  backend: http
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "endpoint")
	})

	t.Run("SheetsBackendNeedsCredentials", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
ledger:
  backend: sheets
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sheets")
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
ledger:
  backend: carrier-pigeon
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown ledger backend")
	})

	t.Run("APIAuthNeedsKeys", func(t *testing.T) {
		_, err := Load(writeConfig(t, minimalConfig+`
api:
  enabled: true
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api_keys")
	})
}

func TestLoad_APIAuthForcedOn(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
api:
  enabled: true
  auth:
    api_keys:
      - key: k1
        name: dashboard
`))
	require.NoError(t, err)
	assert.True(t, cfg.API.Auth.Enabled, "auth defaults on when the API is enabled")
}

func TestLoad_ExplicitSkipTeamFalse(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
run:
  skip_team_registered: false
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Run.SkipTeamRegistered)
	assert.False(t, *cfg.Run.SkipTeamRegistered, "explicit false must not be overwritten by the default")
}
