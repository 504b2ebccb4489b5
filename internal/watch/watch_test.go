package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReportsSlots(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[int]bool{}
	removed := map[int]bool{}
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			if ev.Removed {
				removed[ev.Slot] = true
			} else {
				seen[ev.Slot] = true
			}
		})
	}()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "03.jpg"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".04.jpg.tmp"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "12.png"), []byte("x"), 0o600))
	require.NoError(t, os.Remove(filepath.Join(dir, "03.jpg")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[3] && seen[12] && removed[3]
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.False(t, seen[4])
	assert.Len(t, seen, 2)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestNew_MissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}
