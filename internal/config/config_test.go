package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Ingest.GapTimeout)
	assert.Equal(t, 0.5, cfg.Extraction.VisibilityThreshold)
	assert.Equal(t, "memory", cfg.Dispatch.Backend)
	assert.Equal(t, 4, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 0.02, cfg.Retrieval.Epsilon)
	assert.Equal(t, 45, cfg.Facilitator.ScheduledMinutes)
	assert.Equal(t, DefaultTopics(), cfg.Facilitator.Topics)
	assert.NoError(t, Validate(cfg))
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetwise.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[ingest]
gap_timeout = "2s"

[extraction]
visibility_threshold = 0.7

[[facilitator.topics]]
name = "inheritance"
keywords = ["inheritance", "estate"]
`), 0o644))

	t.Setenv("MEETWISE_DISPATCH__MAX_RETRIES", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Ingest.GapTimeout)
	assert.Equal(t, 0.7, cfg.Extraction.VisibilityThreshold)
	assert.Equal(t, 7, cfg.Dispatch.MaxRetries)
	require.Len(t, cfg.Facilitator.Topics, 1)
	assert.Equal(t, "inheritance", cfg.Facilitator.Topics[0].Name)
	assert.Equal(t, []string{"inheritance", "estate"}, cfg.Facilitator.Topics[0].Keywords)
}

func TestValidateRejects(t *testing.T) {
	base, err := LoadConfig(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"threshold":      func(c *Config) { c.Extraction.VisibilityThreshold = 1.5 },
		"gap timeout":    func(c *Config) { c.Ingest.GapTimeout = 0 },
		"detector":       func(c *Config) { c.Extraction.Detector = "magic" },
		"llm key":        func(c *Config) { c.Extraction.Detector = "llm"; c.LLM.APIKey = "" },
		"river needs db": func(c *Config) { c.Dispatch.Backend = "river" },
		"delays":         func(c *Config) { c.Dispatch.MaxDelay = time.Millisecond },
		"epsilon":        func(c *Config) { c.Retrieval.Epsilon = 1 },
		"topic":          func(c *Config) { c.Facilitator.Topics = []Topic{{Name: "tax"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, Validate(&c))
		})
	}
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetwise.toml")
	require.NoError(t, InitConfig(path))
	assert.Error(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://planner.example.com/api/tasks", cfg.Dispatch.GatewayURL)
	require.Len(t, cfg.Facilitator.Topics, 2)
}
