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
	path := filepath.Join(t.TempDir(), "branchline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
transport:
  mode: memory
branches:
  - id: downtown
    name: Downtown
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Defaults.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Defaults.ExhaustedCooldown)
	assert.Equal(t, 60*time.Second, cfg.Defaults.FailoverCooldown)
	assert.Equal(t, 3, cfg.Defaults.FailoverAttempts)

	branch := cfg.Branches[0]
	assert.Equal(t, 5, branch.MaxReconnectAttempts)
	require.NotNil(t, branch.HealthCheck)
	assert.Equal(t, 30*time.Second, branch.HealthCheck.Interval)
	assert.Equal(t, 5*time.Minute, branch.HealthCheck.LivenessThreshold)
}

func TestLoadBranchOverrides(t *testing.T) {
	path := writeConfig(t, `
transport:
  mode: mqtt
  broker_url: tcp://broker:1883
defaults:
  max_reconnect_attempts: 8
branches:
  - id: downtown
    max_reconnect_attempts: 2
    health_check:
      interval: 10s
  - id: harbor
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Branches[0].MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.Branches[0].HealthCheck.Interval)
	assert.Equal(t, 8, cfg.Branches[1].MaxReconnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Branches[1].HealthCheck.Interval)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "no branches",
			content: "transport:\n  mode: memory\n",
			errMsg:  "no branches",
		},
		{
			name: "missing branch id",
			content: `
transport:
  mode: memory
branches:
  - name: Downtown
`,
			errMsg: "id is required",
		},
		{
			name: "duplicate branch id",
			content: `
transport:
  mode: memory
branches:
  - id: downtown
  - id: downtown
`,
			errMsg: "duplicate branch id",
		},
		{
			name: "mqtt without broker",
			content: `
transport:
  mode: mqtt
branches:
  - id: downtown
`,
			errMsg: "requires broker_url",
		},
		{
			name: "unknown transport mode",
			content: `
transport:
  mode: carrier-pigeon
branches:
  - id: downtown
`,
			errMsg: "unknown transport mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
