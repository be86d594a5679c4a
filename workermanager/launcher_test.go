package workermanager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSProcessLauncherWritesEnvAndLogFile(t *testing.T) {
	dir := t.TempDir()
	l := OSProcessLauncher{LogDir: dir}
	ctx := context.Background()

	cmd, logFile, err := l.Start(ctx, "w-1", "sh", []string{"-c", "echo $CAPQ_WORKER_ID-$CAPQ_WORKER_GROUP"},
		map[string]string{"CAPQ_WORKER_ID": "w-1", "CAPQ_WORKER_GROUP": "urgent"})
	require.NoError(t, err)
	require.NotNil(t, logFile)
	defer logFile.Close()

	require.NoError(t, cmd.Wait())

	contents, err := os.ReadFile(filepath.Join(dir, "capq-worker-w-1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "w-1-urgent")
}

func TestOSProcessLauncherDefaultsLogDirToTempDir(t *testing.T) {
	l := OSProcessLauncher{}
	ctx := context.Background()

	cmd, logFile, err := l.Start(ctx, "w-2", "sh", []string{"-c", "true"}, nil)
	require.NoError(t, err)
	require.NotNil(t, logFile)
	defer func() {
		logFile.Close()
		_ = os.Remove(filepath.Join(os.TempDir(), "capq-worker-w-2.log"))
	}()

	require.NoError(t, cmd.Wait())
	_, statErr := os.Stat(filepath.Join(os.TempDir(), "capq-worker-w-2.log"))
	assert.NoError(t, statErr)
}

func TestOSProcessLauncherStopKillsWhenNotGraceful(t *testing.T) {
	l := OSProcessLauncher{LogDir: t.TempDir()}
	ctx := context.Background()

	cmd, logFile, err := l.Start(ctx, "w-3", "sleep", []string{"30"}, nil)
	require.NoError(t, err)
	defer logFile.Close()

	err = l.Stop(cmd, false, 100*time.Millisecond)
	assert.NoError(t, err)
}
