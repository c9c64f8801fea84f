package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, rec *recorder, targets ...string) *Watcher {
	t.Helper()
	w, err := New(rec.record, targets...)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcher_WriteTriggersCallback(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault.bin")
	require.NoError(t, os.WriteFile(vault, []byte("v1"), 0600))

	rec := &recorder{}
	startWatcher(t, rec, vault)

	require.NoError(t, os.WriteFile(vault, []byte("v2"), 0600))

	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, vault, rec.snapshot()[0])
}

func TestWatcher_CreateOfMissingFile(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.json")

	rec := &recorder{}
	startWatcher(t, rec, settings)

	require.NoError(t, os.WriteFile(settings, []byte("{}"), 0600))
	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_AtomicRenameIsOneCallback(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault.bin")
	require.NoError(t, os.WriteFile(vault, []byte("v1"), 0600))

	rec := &recorder{}
	w, err := New(rec.record, vault)
	require.NoError(t, err)
	w.SetDebounce(200 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	tmp := vault + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("v2"), 0600))
	require.NoError(t, os.Rename(tmp, vault))

	require.Eventually(t, func() bool { return rec.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	vault := filepath.Join(dir, "vault.bin")

	rec := &recorder{}
	startWatcher(t, rec, vault)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "loremonger.db"), []byte("x"), 0600))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New(nil, filepath.Join(t.TempDir(), "vault.bin"))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
