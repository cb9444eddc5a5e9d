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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Aggregator.Deadline)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestCeiling)
	assert.Equal(t, 20*time.Second, cfg.Sources.Bus.TTL)
	assert.Equal(t, time.Hour, cfg.Sources.Dining.TTL)
	assert.Equal(t, 3, cfg.Corpus.TopK)
	assert.Contains(t, cfg.Sources.Weather.Locations, "영도")

	toDorm := cfg.Sources.Shuttle.Routes["본관-기숙사"]
	require.Len(t, toDorm, 25)
	assert.Equal(t, "08:00", toDorm[0])
	assert.Equal(t, "20:00", toDorm[24])
	assert.Equal(t, "08:15", cfg.Sources.Shuttle.Routes["기숙사-본관"][0])
}

func TestValidateRejectsBadShuttleTime(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Sources.Shuttle.Routes["본관-기숙사"] = []string{"08:00", "8시"}
	assert.ErrorContains(t, cfg.Validate(), "sources.shuttle.routes[본관-기숙사]")
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ara.yaml")
	data := []byte(`
aggregator:
  deadline: 2s
sources:
  bus:
    ttl: 15s
    apiKey: from-file
corpus:
  topK: 4
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Aggregator.Deadline)
	assert.Equal(t, 15*time.Second, cfg.Sources.Bus.TTL)
	assert.Equal(t, "from-file", cfg.Sources.Bus.APIKey)
	assert.Equal(t, "https://api.odsay.com/v1/api", cfg.Sources.Bus.BaseURL)
	assert.Equal(t, 4, cfg.Corpus.TopK)
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("ARA_ODSAY_API_KEY", "odsay-secret")
	t.Setenv("DATA_GO_KR_SERVICE_KEY", "kma-secret")
	t.Setenv("ARA_AGGREGATOR_DEADLINE", "2500ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "odsay-secret", cfg.Sources.Bus.APIKey)
	assert.Equal(t, "kma-secret", cfg.Sources.Weather.APIKey)
	assert.Equal(t, 2500*time.Millisecond, cfg.Aggregator.Deadline)
}

func TestValidateRejectsDeadlineAboveCeiling(t *testing.T) {
	cfg := defaultConfig()
	cfg.Aggregator.Deadline = 6 * time.Second
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Corpus.Source = "s3"
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Corpus.TopK = 9
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
