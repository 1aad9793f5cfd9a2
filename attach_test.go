package asyncloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAttachWorkerAgainstLiveLoader(t *testing.T) {
	cfg := smallTestConfig()
	log := zaptest.NewLogger(t).Sugar()
	name := testRegionName(t)

	loader, err := NewLoader(name, cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loader.BecomeLoader(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		loader.Close()
	})

	w, err := AttachWorker(name, 0)
	require.NoError(t, err)
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "attached.txt")
	require.NoError(t, os.WriteFile(path, []byte("via attach"), 0o644))

	e := requestAndWait(t, w, path)
	data, err := e.GetData()
	require.NoError(t, err)
	assert.Equal(t, []byte("via attach"), data)
	require.NoError(t, e.Release())
}

func TestAttachWorkerRejectsUnknownID(t *testing.T) {
	cfg := smallTestConfig()
	log := zaptest.NewLogger(t).Sugar()
	name := testRegionName(t)

	loader, err := NewLoader(name, cfg, log)
	require.NoError(t, err)
	defer loader.Close()

	_, err = AttachWorker(name, cfg.NWorkers+1)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestAttachWorkerRejectsForeignSegment(t *testing.T) {
	name := testRegionName(t)
	path := filepath.Join("/dev/shm", name)
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))
	defer os.Remove(path)

	_, err := AttachWorker(name, 0)
	assert.ErrorIs(t, err, ErrNotASegment)
}
