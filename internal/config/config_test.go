package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PINCHTAB_STATE_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9867, cfg.Port)
	assert.Equal(t, 9868, cfg.InstancePortStart)
	assert.Equal(t, 9968, cfg.InstancePortEnd)
	assert.Equal(t, 45*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 64*1024, cfg.LogBufferBytes)
	assert.Equal(t, filepath.Join(cfg.StateDir, "profiles"), cfg.ProfilesDir)
	assert.Contains(t, cfg.DatabaseURL, "orchestrator.db")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pinchtab.yaml")
	content := "port: 9000\nstopGracePeriod: 2s\nbridgeArgs: [\"--bridge\"]\nprofilesDir: /tmp/profiles\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("PINCHTAB_STATE_DIR", dir)
	t.Setenv("PINCHTAB_PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.StopGracePeriod)
	assert.Equal(t, []string{"--bridge"}, cfg.BridgeArgs)
	assert.Equal(t, "/tmp/profiles", cfg.ProfilesDir)
}

func TestLoadRejectsBadPortRange(t *testing.T) {
	t.Setenv("PINCHTAB_STATE_DIR", t.TempDir())
	t.Setenv("PINCHTAB_INSTANCE_PORT_START", "9999")
	t.Setenv("PINCHTAB_INSTANCE_PORT_END", "9000")

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"tabPollInterval":     func(c *Config) { c.TabPollInterval = 0 },
		"reaperInterval":      func(c *Config) { c.ReaperInterval = -time.Second },
		"healthPollInterval":  func(c *Config) { c.HealthPollInterval = 0 },
		"sizeRefreshInterval": func(c *Config) { c.SizeRefreshInterval = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoadRejectsZeroTabPollInterval(t *testing.T) {
	t.Setenv("PINCHTAB_STATE_DIR", t.TempDir())
	t.Setenv("PINCHTAB_TAB_POLL_INTERVAL", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PT_TEST_DUR", "1500")
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("PT_TEST_DUR", time.Second))

	t.Setenv("PT_TEST_DUR", "3s")
	assert.Equal(t, 3*time.Second, getEnvDuration("PT_TEST_DUR", time.Second))

	t.Setenv("PT_TEST_DUR", "bogus")
	assert.Equal(t, time.Second, getEnvDuration("PT_TEST_DUR", time.Second))
}
