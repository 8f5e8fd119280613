package controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProcessConfig(t *testing.T, script string) *ProcessConfig {
	cfg := DefaultProcessConfig()
	cfg.LogPath = filepath.Join(t.TempDir(), "controller.log")
	cfg.ConfigPath = "/etc/lmcache/test.yaml"
	cfg.Command = []string{"/bin/sh", "-c", script}
	cfg.StartGrace = 100 * time.Millisecond
	return cfg
}

func TestProcess_StartStop(t *testing.T) {
	cfg := testProcessConfig(t, `echo "config=$LMCACHE_CONFIG_FILE offload=$LMCACHE_DISABLE_OFFLOAD"; exec sleep 30`)
	cfg.DisableOffload = "1"
	p := NewProcess(cfg)
	assert.False(t, p.Running())
	assert.Equal(t, 0, p.PID())

	pid, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Positive(t, pid)
	assert.True(t, p.Running())

	again, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pid, again, "start is idempotent while running")

	require.NoError(t, p.Stop(time.Second))
	assert.False(t, p.Running())
	require.NoError(t, p.Stop(time.Second), "stop on a stopped handle is a no-op")

	logged, err := os.ReadFile(cfg.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "config=/etc/lmcache/test.yaml offload=1", strings.TrimSpace(string(logged)))
}

func TestProcess_KillAfterTimeout(t *testing.T) {
	p := NewProcess(testProcessConfig(t, `trap "" TERM; while true; do sleep 0.05; done`))

	_, err := p.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Stop(100*time.Millisecond))
	assert.False(t, p.Running())
}

func TestProcess_EarlyExit(t *testing.T) {
	p := NewProcess(testProcessConfig(t, `exit 3`))
	_, err := p.Start(context.Background())
	assert.Error(t, err)
	assert.False(t, p.Running())
}

func TestProcess_IndependentHandles(t *testing.T) {
	a := NewProcess(testProcessConfig(t, `exec sleep 30`))
	b := NewProcess(testProcessConfig(t, `exec sleep 30`))

	pidA, err := a.Start(context.Background())
	require.NoError(t, err)
	defer a.Stop(time.Second)

	assert.False(t, b.Running(), "handles do not share state")
	pidB, err := b.Start(context.Background())
	require.NoError(t, err)
	defer b.Stop(time.Second)

	assert.NotEqual(t, pidA, pidB)
}
