package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_Collect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := OpenAuditLog(path, 0, false)
	require.NoError(t, err)
	defer a.Close()

	ev := New(EventCheckFinished, "home-alice").With("changed", 3).From("enforce")
	require.NoError(t, a.Collect(ev))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry AuditEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, ev.ID, entry.EventID)
	assert.Equal(t, EventCheckFinished, entry.Event)
	assert.Equal(t, "enforce", entry.Sender)
	assert.Equal(t, float64(3), entry.Kwargs["changed"])
	assert.False(t, entry.Time.IsZero())
}

func TestAuditLog_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := OpenAuditLog(path, 0, false)
	require.NoError(t, err)
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, a.Collect(New(fmt.Sprintf("e%d_%d", i, j))))
			}
		}(i)
	}
	wg.Wait()

	total, valid, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 200, total)
	assert.Equal(t, 200, valid)
}

func TestAuditLog_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	a, err := OpenAuditLog(path, 512, false)
	require.NoError(t, err)
	defer a.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Collect(New("rotation_test").With("padding", strings.Repeat("x", 64))))
	}

	archived, err := os.ReadDir(filepath.Join(dir, auditArchiveDir))
	require.NoError(t, err)
	assert.NotEmpty(t, archived)
	assert.LessOrEqual(t, a.Size(), int64(512))
}

func TestAuditLog_Checksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := OpenAuditLog(path, 0, true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Collect(New("x", i)))
	}
	require.NoError(t, a.Close())

	total, valid, err := VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, valid)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"event":"x"`, `"event":"y"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o640))

	total, valid, err = VerifyAuditLog(path)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, valid)
}

func TestAuditLog_WriteAfterClose(t *testing.T) {
	a, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.jsonl"), 0, false)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.Error(t, a.Collect(New("x")))
	assert.NoError(t, a.Close())
}
