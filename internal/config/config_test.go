package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	p := writeTempConfig(t, "region: us-west-2\nload-balancing-mode: balanced\napi-key: k\n")
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "us-west-2", cfg.GetRegion())
	require.Equal(t, "balanced", cfg.GetLoadBalancingMode())
}

func TestGetRegionDefault(t *testing.T) {
	var cfg *Config
	require.Equal(t, "us-east-1", cfg.GetRegion())

	cfg = &Config{}
	require.Equal(t, "us-east-1", cfg.GetRegion())
}

func TestGetLoadBalancingModeDefault(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, ModePriority, cfg.GetLoadBalancingMode())
}

func TestSetLoadBalancingModeAndSave(t *testing.T) {
	p := writeTempConfig(t, "region: us-east-1\napi-key: k\nload-balancing-mode: priority\n")
	cfg, err := Load(p)
	require.NoError(t, err)

	require.NoError(t, cfg.SetLoadBalancingModeAndSave(ModeBalanced))
	require.Equal(t, ModeBalanced, cfg.LoadBalancingMode)

	reloaded, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, ModeBalanced, reloaded.LoadBalancingMode)
}

func TestSetLoadBalancingModeAndSaveRejectsInvalid(t *testing.T) {
	p := writeTempConfig(t, "load-balancing-mode: priority\n")
	cfg, err := Load(p)
	require.NoError(t, err)

	err = cfg.SetLoadBalancingModeAndSave("round-robin")
	require.Error(t, err)
	require.Equal(t, ModePriority, cfg.LoadBalancingMode)
}
