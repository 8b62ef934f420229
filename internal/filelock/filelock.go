// Package filelock serializes access to a file path across goroutines and
// processes.
//
// A lock is two layers: an in-process weighted semaphore keyed by the absolute
// path (readers take one unit, writers take all of them), and
// an OS advisory lock (flock on unix, LockFileEx on windows) held on a sidecar
// "<path>.lock" file. The sidecar keeps the guarded file itself untouched, so
// reading a missing file never creates it.
package filelock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"
)

// RetryDelay is how often a blocked acquisition polls the OS lock.
const RetryDelay = 10 * time.Millisecond

// maxReaders bounds concurrent shared holders inside one process.
const maxReaders = 1 << 20

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

var (
	registryMu sync.Mutex
	registry   = map[string]*semaphore.Weighted{}
)

func processLock(path string) *semaphore.Weighted {
	registryMu.Lock()
	defer registryMu.Unlock()
	sem, ok := registry[path]
	if !ok {
		sem = semaphore.NewWeighted(maxReaders)
		registry[path] = sem
	}
	return sem
}

// LockPath returns the sidecar lock file used for path.
func LockPath(path string) string {
	return path + ".lock"
}

// Exclusive blocks until no other writer or reader holds path, or ctx ends.
func Exclusive(ctx context.Context, path string) (Unlock, error) {
	return acquire(ctx, path, true)
}

// Shared blocks until no writer holds path, or ctx ends.
func Shared(ctx context.Context, path string) (Unlock, error) {
	return acquire(ctx, path, false)
}

func acquire(ctx context.Context, path string, exclusive bool) (Unlock, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filelock: resolve %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return nil, fmt.Errorf("filelock: prepare dir for %s: %w", abs, err)
	}

	weight := int64(1)
	if exclusive {
		weight = maxReaders
	}
	sem := processLock(abs)
	if err := sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("filelock: acquire %s: %w", abs, err)
	}
	releaseProcess := func() { sem.Release(weight) }

	fl := flock.New(LockPath(abs), flock.SetPermissions(0o600))
	var locked bool
	if exclusive {
		locked, err = fl.TryLockContext(ctx, RetryDelay)
	} else {
		locked, err = fl.TryRLockContext(ctx, RetryDelay)
	}
	if err != nil || !locked {
		_ = fl.Close()
		releaseProcess()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("filelock: acquire %s: %w", abs, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = fl.Unlock()
			releaseProcess()
		})
	}, nil
}
