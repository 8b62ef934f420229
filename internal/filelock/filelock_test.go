package filelock

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusiveSerializesReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	require.NoError(t, os.WriteFile(path, []byte("0"), 0o600))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := Exclusive(context.Background(), path)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			b, err := os.ReadFile(path)
			if !assert.NoError(t, err) {
				return
			}
			n, _ := strconv.Atoi(string(b))
			assert.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(n+1)), 0o600))
		}()
	}
	wg.Wait()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers), string(b))
}

func TestExclusiveHonoursContextDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")

	unlock, err := Exclusive(context.Background(), path)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Exclusive(ctx, path)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedHoldersCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")

	first, err := Shared(context.Background(), path)
	require.NoError(t, err)
	defer first()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := Shared(ctx, path)
	require.NoError(t, err)
	second()
}

func TestUnlockIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")

	unlock, err := Exclusive(context.Background(), path)
	require.NoError(t, err)
	unlock()
	unlock()

	again, err := Exclusive(context.Background(), path)
	require.NoError(t, err)
	again()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "locking must not create the guarded file")
}

func TestExclusiveHoldsOSLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")

	unlock, err := Exclusive(context.Background(), path)
	require.NoError(t, err)

	other := flock.New(LockPath(path))
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "exclusive lock must block other writers")
	ok, err = other.TryRLock()
	require.NoError(t, err)
	assert.False(t, ok, "exclusive lock must block other readers")

	unlock()
	ok, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock())
}

const holderEnv = "FILELOCK_HOLD_PATH"

// TestLockHolderProcess is run as a child by TestExclusiveAcrossProcesses. It
// takes the lock, reports on stdout and holds it until stdin closes.
func TestLockHolderProcess(t *testing.T) {
	path := os.Getenv(holderEnv)
	if path == "" {
		t.Skip("only runs as a child process")
	}
	unlock, err := Exclusive(context.Background(), path)
	if err != nil {
		os.Exit(3)
	}
	_, _ = os.Stdout.WriteString("locked\n")
	_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	unlock()
	os.Exit(0)
}

func TestExclusiveAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.md")

	cmd := exec.Command(os.Args[0], "-test.run=^TestLockHolderProcess$")
	cmd.Env = append(os.Environ(), holderEnv+"="+path)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "locked\n", line)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Exclusive(ctx, path)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = Shared(ctx, path)
	require.Error(t, err)

	require.NoError(t, stdin.Close())
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	unlock, err := Exclusive(ctx2, path)
	require.NoError(t, err)
	unlock()
}
