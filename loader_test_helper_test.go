package asyncloader

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
)

var testRegionSeq int64

func testRegionName(t *testing.T) string {
	t.Helper()
	n := atomic.AddInt64(&testRegionSeq, 1)
	return fmt.Sprintf("asyncloader-test-%d-%d", os.Getpid(), n)
}

// startTestLoader brings up a Loader with cfg, runs BecomeLoader in the
// background, and registers cleanup to cancel it and unlink the region.
// It returns the loader and a ready-made Worker for id 0.
func startTestLoader(t *testing.T, cfg Config) (*Loader, *Worker) {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	name := testRegionName(t)

	loader, err := NewLoader(name, cfg, log)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

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

	w, err := loader.GetWorkerContext(0)
	if err != nil {
		t.Fatalf("GetWorkerContext: %v", err)
	}
	return loader, w
}

// requestAndWait is a convenience wrapper used by tests that don't care
// about exercising the non-blocking Request path directly.
func requestAndWait(t *testing.T, w *Worker, path string) *Entry {
	t.Helper()
	ok, err := w.Request(path)
	if err != nil {
		t.Fatalf("Request(%q): %v", path, err)
	}
	if !ok {
		t.Fatalf("Request(%q): no free slot", path)
	}
	e, err := w.WaitGet()
	if err != nil {
		t.Fatalf("WaitGet after Request(%q): %v", path, err)
	}
	return e
}
