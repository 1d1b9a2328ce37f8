package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("PIPELINE_BASE_DELAY", "250ms")
	t.Setenv("PIPELINE_OVERLAP_QUICK_FACTS", "true")
	t.Setenv("LLM_API_KEY", "shared-key")
	t.Setenv("SYNTHESIS_API_KEY", "synth-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.BaseDelay)
	assert.True(t, cfg.Pipeline.OverlapQuickFacts)
	assert.Equal(t, "shared-key", cfg.QuickFacts.APIKey)
	assert.Equal(t, "synth-key", cfg.Synthesis.APIKey)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deckflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  path: /tmp/deck.db
pipeline:
  max_attempts: 5
  base_delay: 1s
  max_delay: 4s
  quick_facts_attempts: 2
  max_concurrent_runs: 2
auth:
  jwt_secret: from-file
`), 0o600))
	t.Setenv("DECKFLOW_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/deck.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 2, cfg.Pipeline.QuickFactsAttempts)
	assert.Equal(t, time.Second, cfg.Pipeline.BaseDelay)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults with secret", mutate: func(c *Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "postgres feed on sqlite", mutate: func(c *Config) {
			c.Database.Driver = "sqlite"
			c.Feed.Backend = "postgres"
		}, wantErr: true},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, wantErr: true},
		{name: "unknown provider", mutate: func(c *Config) { c.Synthesis.Provider = "bard" }, wantErr: true},
		{name: "zero attempts", mutate: func(c *Config) { c.Pipeline.MaxAttempts = 0 }, wantErr: true},
		{name: "inverted delays", mutate: func(c *Config) { c.Pipeline.MaxDelay = time.Millisecond }, wantErr: true},
		{name: "zero lease", mutate: func(c *Config) { c.Pipeline.LeaseTTL = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "secret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
