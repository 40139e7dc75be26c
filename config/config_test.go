package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadClientAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `service_name = "echo"`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.AckPoolSize)
	assert.Equal(t, 2000, cfg.ConnectTimeoutMS)
}

func TestLoadClientRequiresServiceName(t *testing.T) {
	path := writeTemp(t, `ack_pool_size = 10`)
	_, err := LoadClient(path)
	assert.Error(t, err)
}

func TestLoadServerAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `service_name = "echo"`)
	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxClients)
	assert.Equal(t, 256, cfg.AckPoolSize)
}
