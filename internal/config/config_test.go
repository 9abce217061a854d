package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 30000, cfg.Crawl.MaxLinks)
	assert.Equal(t, 10, cfg.Crawl.Workers)
	assert.Equal(t, 15000, cfg.Extract.MaxChunkChars)
	assert.Equal(t, 100, cfg.Extract.MaxPDFPages)
	assert.Equal(t, 20, cfg.Pipeline.MaxProcessing)
	assert.Equal(t, 300, cfg.Pipeline.StaleSecs)
	assert.Equal(t, 2, cfg.Pipeline.StallRetries)
	assert.Equal(t, 30, cfg.Pipeline.SkipCrawlWindowDays)
	assert.Equal(t, 24, cfg.Pipeline.RescrapeWindowHours)
	assert.Equal(t, 512, cfg.Embed.Dimension)
	assert.Equal(t, 2, cfg.Assistant.PollIntervalSecs)
	assert.Equal(t, 300, cfg.Assistant.PollTimeoutSecs)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DETECTIVE_STORE_DRIVER", "sqlite")
	t.Setenv("DETECTIVE_CRAWL_MAX_LINKS", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 25, cfg.Crawl.MaxLinks)
}

func TestInitLoggerBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
