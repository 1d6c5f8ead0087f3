package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`
slot_size: 128
keep_empty_pools: true
follow_jumps: false
log:
  debug: true
`))
	require.NoError(t, err)
	require.Equal(t, uint64(128), cfg.SlotSize)
	require.Equal(t, uint64(0x10000), cfg.PoolGranularity, "unset keys keep defaults")
	require.True(t, cfg.KeepEmptyPools)
	require.False(t, cfg.FollowJumps)
	require.True(t, cfg.Log.Debug)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "slot_sise: 64\n"},
		{"small slot", "slot_size: 32\n"},
		{"odd slot", "slot_size: 96\n"},
		{"granularity", "pool_granularity: 0x3000\n"},
		{"negative chain", "max_jump_chain: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detour.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_jump_chain: 3\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxJumpChain)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
