package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: worker-1
vcpus: 2
max_vcpus: 4
memory: 256MiB
memory_ceiling: 1GiB
pause_timeout: 500ms
`))
	require.NoError(t, err)
	require.Equal(t, "worker-1", cfg.Name)
	require.Equal(t, 2, cfg.VCPUs)
	require.Equal(t, 4, cfg.MaxVCPUs)
	require.Equal(t, Size(256*1024*1024), cfg.Memory)
	require.Equal(t, Size(1<<30), cfg.MemoryCeiling)
	require.Equal(t, Duration(500*time.Millisecond), cfg.PauseTimeout)

	// Untouched fields keep their defaults.
	require.Equal(t, DefaultConfig().QuiesceTimeout, cfg.QuiesceTimeout)
	require.Equal(t, DefaultConfig().MaxRegions, cfg.MaxRegions)
}

func TestParseConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero vcpus", "vcpus: 0"},
		{"max below count", "vcpus: 4\nmax_vcpus: 2"},
		{"bad size", "memory: lots"},
		{"ceiling below memory", "memory: 1GiB\nmemory_ceiling: 256MiB"},
		{"unknown field", "flavor: large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestSizeString(t *testing.T) {
	require.Equal(t, "256MiB", Size(256*1024*1024).String())
}
