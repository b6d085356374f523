package yaml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yamlv3 "gopkg.in/yaml.v3"
)

func readMap(t *testing.T, path string) map[string]string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, yamlv3.Unmarshal(content, &out))
	return out
}

func TestAtomicWrite_CreatesDirAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "test.yaml")
	require.NoError(t, AtomicWrite(path, map[string]string{"key": "value"}))
	assert.Equal(t, "value", readMap(t, path)["key"])
	_, err := os.Stat(path + ".bak")
	assert.True(t, os.IsNotExist(err), "no backup for a fresh file")
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "1"}))
	require.NoError(t, AtomicWrite(path, map[string]string{"version": "2"}))

	assert.Equal(t, "1", readMap(t, path+".bak")["version"])
	assert.Equal(t, "2", readMap(t, path)["version"])
}

func TestAtomicWrite_BackupFollowsPreviousVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	for _, v := range []string{"1", "2", "3"} {
		require.NoError(t, AtomicWrite(path, map[string]string{"version": v}))
	}
	assert.Equal(t, "2", readMap(t, path+".bak")["version"])
	assert.Equal(t, "3", readMap(t, path)["version"])
}

func TestAtomicWrite_FileMode(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.yaml")
	require.NoError(t, AtomicWrite(fresh, map[string]string{"a": "b"}))
	info, err := os.Stat(fresh)
	require.NoError(t, err)
	assert.Equal(t, newFileMode, info.Mode().Perm())

	private := filepath.Join(dir, "private.yaml")
	require.NoError(t, os.WriteFile(private, []byte("a: b\n"), 0o600))
	require.NoError(t, os.Chmod(private, 0o600))
	require.NoError(t, AtomicWrite(private, map[string]string{"a": "c"}))
	info, err = os.Stat(private)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "replacing keeps the mode")
	assert.Equal(t, "c", readMap(t, private)["a"])
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ok: true\n"), 0o644))

	err := AtomicWriteRaw(path, []byte("broken: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid yaml")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok: true\n", string(content), "original is untouched")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is cleaned up")
}
