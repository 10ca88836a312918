package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTP port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected 30s read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Approvals.Timeout != 5*time.Minute {
		t.Errorf("expected 5m approval timeout, got %v", cfg.Approvals.Timeout)
	}
	if cfg.Agent.MaxRounds != 5 {
		t.Errorf("expected 5 max rounds, got %d", cfg.Agent.MaxRounds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultConfig_Stream(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Stream.BaseDelay != time.Second {
		t.Errorf("got base delay %v", cfg.Stream.BaseDelay)
	}
	if cfg.Stream.MaxDelay != 30*time.Second {
		t.Errorf("got max delay %v", cfg.Stream.MaxDelay)
	}
	if cfg.Stream.MaxAttempts != 5 {
		t.Errorf("got max attempts %d", cfg.Stream.MaxAttempts)
	}
}

func TestDefaultConfig_SensitiveTools(t *testing.T) {
	cfg := DefaultConfig()
	assert.ElementsMatch(t, []string{"write_file", "delete_file"}, cfg.Agent.SensitiveTools)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigFromFile_OverlaysDefaults(t *testing.T) {
	t.Setenv("TEST_LOMU_SECRET", "s3cret")
	path := writeConfig(t, t.TempDir(), `
server:
  http_port: 9000
database:
  type: postgres
  dsn: postgres://localhost/lomu
approvals:
  timeout: 90s
security:
  jwt_secret: ${TEST_LOMU_SECRET}
`)

	cfg, err := LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 90*time.Second, cfg.Approvals.Timeout)
	assert.Equal(t, "s3cret", cfg.Security.JWTSecret)
	// Untouched sections keep defaults
	assert.Equal(t, int64(1000), cfg.Credits.TokensPerCredit)
	assert.Equal(t, 5, cfg.Stream.MaxAttempts)
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server: [unterminated")
	_, err := LoadConfigFromFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tokens per credit", func(c *Config) { c.Credits.TokensPerCredit = 0 }},
		{"negative dollar value", func(c *Config) { c.Credits.CreditDollarValue = -1 }},
		{"zero rounds", func(c *Config) { c.Agent.MaxRounds = 0 }},
		{"zero approval timeout", func(c *Config) { c.Approvals.Timeout = 0 }},
		{"zero reconnect attempts", func(c *Config) { c.Stream.MaxAttempts = 0 }},
		{"unknown database", func(c *Config) { c.Database.Type = "mongo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "approvals:\n  timeout: 1m\n")

	changes := make(chan *Config, 4)
	w, err := Watch(path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("approvals:\n  timeout: 2m\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			// A truncating write may surface an intermediate revision first.
			if cfg.Approvals.Timeout == 2*time.Minute {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
