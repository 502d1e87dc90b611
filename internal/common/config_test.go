package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, 3, config.Automation.RetryAttempts)
	assert.Equal(t, "2s", config.Automation.RetryDelay)
	assert.Equal(t, 5, config.Blocking.Threshold)
	assert.Equal(t, "8h", config.Tokens.Lifetime)
	assert.Equal(t, "badger", config.Tokens.Backend)
	require.NoError(t, config.Validate())
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	require.NoError(t, os.WriteFile(base, []byte(`
[server]
port = 9000

[automation]
platforms = ["bunjang", "danggeun"]
retry_attempts = 4

[accounts.bunjang]
username = "seller"
password = "secret"
`), 0644))
	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9100

[blocking]
enabled = true
threshold = 7
`), 0644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port)
	assert.Equal(t, 4, config.Automation.RetryAttempts)
	assert.Equal(t, []string{"bunjang", "danggeun"}, config.Automation.Platforms)
	assert.True(t, config.Blocking.Enabled)
	assert.Equal(t, 7, config.Blocking.Threshold)

	account, ok := config.Account("bunjang")
	require.True(t, ok)
	assert.Equal(t, "seller", account.Username)
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("MARKETPOST_SERVER_PORT", "9200")
	t.Setenv("MARKETPOST_PLATFORMS", "bunjang, junggonara")
	t.Setenv("MARKETPOST_BUNJANG_USERNAME", "env-user")
	t.Setenv("MARKETPOST_BLOCKING_THRESHOLD", "3")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 9200, config.Server.Port)
	assert.Equal(t, []string{"bunjang", "junggonara"}, config.Automation.Platforms)
	assert.Equal(t, "env-user", config.Accounts["bunjang"].Username)
	assert.Equal(t, 3, config.Blocking.Threshold)
}

func TestLoadFromFiles_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[automation]
retry_delay = "two seconds"
`), 0644))

	_, err := LoadFromFiles(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
[tokens]
backend = "remote"
`), 0644))
	_, err = LoadFromFiles(path)
	assert.Error(t, err, "remote backend requires a base url")
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, 7000, "0.0.0.0")

	assert.Equal(t, 7000, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseDuration("2s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("nope", time.Minute))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("short"))
	assert.Equal(t, "abcd...wxyz", MaskSecret("abcdefghijklmnopqrstuvwxyz"))
}
