package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.TaskAnchorPlan, cfg.Engine.TaskAnchor)
	assert.Equal(t, config.LockMemory, cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("engine:\n  task_anchor: stage\n"))
	require.NoError(t, err)
	assert.Equal(t, config.TaskAnchorStage, cfg.Engine.TaskAnchor)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"anchor":   "engine:\n  task_anchor: sprint\n",
		"timezone": "engine:\n  timezone: Mars/Olympus\n",
		"redis":    "lock:\n  backend: redis\n",
		"backend":  "lock:\n  backend: etcd\n",
		"format":   "log:\n  format: xml\n",
		"retries":  "engine:\n  max_retries: -1\n",
	}
	for name, in := range cases {
		_, err := config.FromYAML([]byte(in))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.LockMemory, cfg.Lock.Backend)

	_, err = config.Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
