package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvmcryo/cryofill/internal/errkind"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	h, err := Acquire(zap.NewNop(), path)
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	require.NoError(t, h.Release())
	_, statErr = os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAcquireExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	h1, err := Acquire(zap.NewNop(), path)
	require.NoError(t, err)
	defer h1.Release()

	_, err = Acquire(zap.NewNop(), path)
	require.Error(t, err)
	assert.Equal(t, errkind.LockExists, errkind.KindOf(err))
}

func TestAcquireExclusionConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Acquire(zap.NewNop(), path); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	h, err := Acquire(zap.NewNop(), path)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())
}

func TestWatchLivenessDetectsExternalRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	h, err := Acquire(zap.NewNop(), path)
	require.NoError(t, err)

	lost := make(chan struct{})
	h.WatchLiveness(context.Background(), 5*time.Millisecond, func() { close(lost) })

	require.NoError(t, os.Remove(path))

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("liveness watcher did not observe removal")
	}
}
