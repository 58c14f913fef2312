package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err, "failed to write temp config file")
	return configPath
}

// TestLoadConfigDefaults verifies the ranking defaults kick in when the
// section is omitted entirely.
func TestLoadConfigDefaults(t *testing.T) {
	configPath := writeTempConfig(t, `
mysql:
  host: "localhost"
  port: 3306
  database: "cvmatch"
`)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.InDelta(t, 0.7, config.Ranking.Alpha, 1e-6)
	assert.InDelta(t, 0.45, config.Ranking.WeightSkills, 1e-6)
	assert.InDelta(t, 0.2, config.Ranking.WeightExperience, 1e-6)
	assert.InDelta(t, 0.35, config.Ranking.WeightEducation, 1e-6)
	assert.InDelta(t, 0.0, config.Ranking.WeightLanguages, 1e-6)
	assert.Equal(t, 87, config.Ranking.Threshold)
	assert.Equal(t, "purge", config.Ranking.RebuildMode)
}

// TestLoadConfigExplicitRanking verifies an explicit ranking section is kept
// as-is and not overwritten by the tuned defaults.
func TestLoadConfigExplicitRanking(t *testing.T) {
	configPath := writeTempConfig(t, `
ranking:
  alpha: 0.5
  weight_skills: 0.3
  weight_experience: 0.3
  weight_education: 0.3
  weight_languages: 0.1
  threshold: 90
  rebuild_mode: "overwrite"
`)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, config.Ranking.Alpha, 1e-6)
	assert.InDelta(t, 0.1, config.Ranking.WeightLanguages, 1e-6)
	assert.Equal(t, 90, config.Ranking.Threshold)
	assert.Equal(t, "overwrite", config.Ranking.RebuildMode)
}

// TestLoadConfigRejectsBadWeights verifies formula errors are caught at
// load time, not at compute time.
func TestLoadConfigRejectsBadWeights(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "negative weight",
			yaml: "ranking:\n  alpha: 0.7\n  weight_skills: -0.1\n  threshold: 87\n",
		},
		{
			name: "alpha above one",
			yaml: "ranking:\n  alpha: 1.5\n  weight_skills: 0.4\n  threshold: 87\n",
		},
		{
			name: "threshold above 100",
			yaml: "ranking:\n  alpha: 0.7\n  weight_skills: 0.4\n  threshold: 180\n",
		},
		{
			name: "unknown rebuild mode",
			yaml: "ranking:\n  alpha: 0.7\n  weight_skills: 0.4\n  threshold: 87\n  rebuild_mode: \"truncate\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeTempConfig(t, tt.yaml)
			_, err := LoadConfig(configPath)
			assert.Error(t, err)
		})
	}
}

// TestLoadConfigEnvOverrides verifies the environment wins over the file for
// the ranking tunables.
func TestLoadConfigEnvOverrides(t *testing.T) {
	configPath := writeTempConfig(t, `
ranking:
  alpha: 0.7
  weight_skills: 0.45
  weight_education: 0.35
  weight_experience: 0.2
  threshold: 87
`)

	t.Setenv("RANK_ALPHA", "0.6")
	t.Setenv("RANK_THRESHOLD", "92")

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, config.Ranking.Alpha, 1e-6)
	assert.Equal(t, 92, config.Ranking.Threshold)
}

// TestLoadConfigMissingFile verifies a clear error for a missing path.
func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
