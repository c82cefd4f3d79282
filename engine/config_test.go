// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "soft", cfg.Driver)
	assert.Equal(t, Duration(10*time.Second), cfg.WaitTimeout)
	assert.Equal(t, HeapConfig{Textures: 4096, Samplers: 64, StorageImages: 64, TLAS: 1}, cfg.Heap)
	assert.Equal(t, 1000, cfg.DescPool.MaxSets)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.timeout())
	cfg.WaitTimeout = 0
	assert.Less(t, cfg.timeout(), time.Duration(0), "zero WaitTimeout must mean no timeout")
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
adapter = "Discrete"
wait_timeout = "250ms"
validation = true

[heap]
textures = 1024

[desc_pool]
max_sets = 16
`))
	require.NoError(t, err)
	want := DefaultConfig()
	want.Adapter = "Discrete"
	want.WaitTimeout = Duration(250 * time.Millisecond)
	want.Validation = true
	want.Heap.Textures = 1024
	want.DescPool.MaxSets = 16
	assert.Equal(t, want, cfg)
}

func TestParseConfigInvalid(t *testing.T) {
	for _, s := range [...]string{
		`no_such_field = 1`,
		`wait_timeout = "ten seconds"`,
		`wait_timeout = "-1s"`,
		"[heap]\ntextures = 1000",
		"[heap]\nsamplers = 0",
		"[desc_pool]\nmax_sets = 0",
		`driver = `,
	} {
		_, err := ParseConfig([]byte(s))
		assert.Error(t, err, "ParseConfig(%q)", s)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtcore.toml")
	require.NoError(t, os.WriteFile(path, []byte("driver = \"SOFT\"\nwait_timeout = \"0s\"\n"), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "SOFT", cfg.Driver)
	assert.Zero(t, cfg.WaitTimeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, Duration(90*time.Second), d)
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))
}
