package corocfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRecognizedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corosched.ini")
	contents := `
[coroutine]
stack_size = 262144

[scheduler]
threads = 4

[epoll]
timeout_ms = 5000

[tcp]
no_delay = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 262144, cfg.StackSizeBytes)
	require.Equal(t, 4, cfg.SchedulerThreads)
	require.Equal(t, 5000, cfg.EpollTimeoutMs)
	require.True(t, cfg.TCPNoDelay)
}

func TestLoadMissingKeysFallBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corosched.ini")
	require.NoError(t, os.WriteFile(path, []byte("[unrelated]\nfoo = bar\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, Default().StackSizeBytes, cfg.StackSizeBytes)
	require.Equal(t, Default().EpollTimeoutMs, cfg.EpollTimeoutMs)
}
