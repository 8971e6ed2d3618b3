package manifest

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")

	pid, alive := Owner(dir)
	assert.Zero(t, pid)
	assert.False(t, alive)

	release, err := Lock(dir)
	require.NoError(t, err)

	pid, alive = Owner(dir)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, alive)

	// re-entrant for the owning process
	again, err := Lock(dir)
	require.NoError(t, err)
	again()

	release()
	_, err = os.Stat(filepath.Join(dir, LockFile))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLockHeldByOtherProcess(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFile), []byte(strconv.Itoa(os.Getppid())), 0o644))

	_, err := Lock(dir)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestLockTakesOverStale(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFile), []byte(strconv.Itoa(math.MaxInt32)), 0o644))

	_, alive := Owner(dir)
	assert.False(t, alive)

	release, err := Lock(dir)
	require.NoError(t, err)
	defer release()

	pid, _ := Owner(dir)
	assert.Equal(t, os.Getpid(), pid)
}
