package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NotNil(t, l)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	require.NoError(t, l.Release())
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrHeld)
}

func TestAcquireBreaksStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock")

	// A PID essentially guaranteed not to be alive, written directly
	// without ever taking the flock. The OS-level lock is therefore free:
	// Acquire wins on its first TryLock without consulting the recorded
	// PID, and overwrites it with its own.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0600))

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NotNil(t, l)
	defer l.Release()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(b))
}

func TestAcquireGarbagePidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0600))

	// Nothing flocked the file, so Acquire wins on its first TryLock;
	// the garbage PID is never parsed, only overwritten.
	l, err := Acquire(path)
	require.NoError(t, err)
	l.Release()
}
