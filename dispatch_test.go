package asyncloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestDispatchFlushesUndersizedBatchAfterIdleIters exercises the
// starvation guard: a batch smaller than MinDispatchN must still be
// submitted once the dispatch loop has gone idle for MaxIdleIters
// iterations, rather than waiting forever for more requests to arrive.
func TestDispatchFlushesUndersizedBatchAfterIdleIters(t *testing.T) {
	cfg := Config{
		QueueDepth:   8,
		NWorkers:     1,
		MaxFileSize:  4096,
		MinDispatchN: 100, // far more than this test ever submits
		MaxIdleIters: 3,
	}
	_, w := startTestLoader(t, cfg)

	dir := t.TempDir()
	path := filepath.Join(dir, "lonely.txt")
	require.NoError(t, os.WriteFile(path, []byte("alone"), 0o644))

	ok, err := w.Request(path)
	require.NoError(t, err)
	require.True(t, ok)

	waitErr := make(chan error, 1)
	var entry *Entry
	go func() {
		var err error
		entry, err = w.WaitGet()
		waitErr <- err
	}()

	select {
	case err := <-waitErr:
		require.NoError(t, err)
		data, err := entry.GetData()
		require.NoError(t, err)
		assert.Equal(t, []byte("alone"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("undersized batch was never flushed by the idle guard")
	}
}

// TestDispatchBatchingDisabledSubmitsImmediately checks that a
// non-positive MinDispatchN submits every staged read without waiting
// for a batch to fill or for the idle guard to trigger.
func TestDispatchBatchingDisabledSubmitsImmediately(t *testing.T) {
	cfg := Config{
		QueueDepth:   8,
		NWorkers:     1,
		MaxFileSize:  4096,
		MinDispatchN: 0,
		MaxIdleIters: 1_000_000, // would never fire within the test timeout
	}
	_, w := startTestLoader(t, cfg)

	dir := t.TempDir()
	path := filepath.Join(dir, "solo.txt")
	require.NoError(t, os.WriteFile(path, []byte("solo"), 0o644))

	e := requestAndWait(t, w, path)
	data, err := e.GetData()
	require.NoError(t, err)
	assert.Equal(t, []byte("solo"), data)
	e.Release()
}

// TestLoaderWakeNudgesIdleLoop checks that a Request reaching a fully
// idle loader (one already parked in l.wake.Wait()) is served promptly,
// rather than only after the backoff timer happens to lapse. The loop's
// MaxInterval backoff cap is large enough that a poll-only loader would
// make this test visibly slow; a tight deadline catches a regression
// back to pure polling.
func TestLoaderWakeNudgesIdleLoop(t *testing.T) {
	cfg := smallTestConfig()
	_, w := startTestLoader(t, cfg)

	// Give the dispatch loop a chance to reach the fully-idle branch and
	// park in l.wake.Wait() before the request below exercises the wake.
	time.Sleep(20 * time.Millisecond)

	dir := t.TempDir()
	path := filepath.Join(dir, "nudge.txt")
	require.NoError(t, os.WriteFile(path, []byte("nudged"), 0o644))

	start := time.Now()
	e := requestAndWait(t, w, path)
	elapsed := time.Since(start)

	data, err := e.GetData()
	require.NoError(t, err)
	assert.Equal(t, []byte("nudged"), data)
	require.NoError(t, e.Release())

	assert.Less(t, elapsed, 200*time.Millisecond, "request to an idle loader should be served by the wake nudge, not a backoff poll")
}

// TestLoaderShutdownDeliversAbortedSentinel exercises the shutdown path
// directly, without relying on startTestLoader's cleanup-driven cancel:
// a WaitGet blocked with no pending request must unblock with a
// StatusAborted Entry once the loader's context is cancelled.
func TestLoaderShutdownDeliversAbortedSentinel(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	cfg := smallTestConfig()

	loader, err := NewLoader(testRegionName(t), cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loader.BecomeLoader(ctx)
	}()

	w, err := loader.GetWorkerContext(0)
	require.NoError(t, err)

	type result struct {
		e   *Entry
		err error
	}
	results := make(chan result, 1)
	go func() {
		e, err := w.WaitGet()
		results <- result{e, err}
	}()

	cancel()
	<-done

	select {
	case r := <-results:
		if r.err != nil {
			assert.ErrorIs(t, r.err, ErrAborted)
		} else {
			require.NotNil(t, r.e)
			assert.Equal(t, StatusAborted, r.e.Status())
			data, dataErr := r.e.GetData()
			assert.NoError(t, dataErr)
			assert.Nil(t, data)
			assert.NoError(t, r.e.Release())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitGet never unblocked after loader shutdown")
	}

	require.NoError(t, loader.Close())
}
