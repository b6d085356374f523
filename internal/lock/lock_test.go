package lock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutexMap_DifferentKeys(t *testing.T) {
	m := NewMutexMap()
	done := make(chan struct{})

	m.Lock("shared")
	go func() {
		m.Lock("archive")
		m.Unlock("archive")
		close(done)
	}()
	<-done
	m.Unlock("shared")
}

func TestMutexMap_Concurrent(t *testing.T) {
	m := NewMutexMap()
	var inside, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.With("shared", func() error {
				n := atomic.AddInt64(&inside, 1)
				if n > atomic.LoadInt64(&peak) {
					atomic.StoreInt64(&peak, n)
				}
				atomic.AddInt64(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), peak)
}

func TestFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "daemon.lock")
	first := NewFileLock(path)
	require.NoError(t, first.TryLock())

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	second := NewFileLock(path)
	err = second.TryLock()
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Unlock())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, first.Unlock())

	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
}

func TestReadPID_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
	_, err := ReadPID(path)
	assert.Error(t, err)
}
