package asyncloader

import (
	"errors"
	"fmt"

	"github.com/gustrain/asyncloader/internal/sema"
	"github.com/gustrain/asyncloader/internal/shmem"
)

// Worker is a handle into a Loader's shared-memory region used by a
// single consuming process (or, in-process, a single goroutine) to
// request file reads and collect their results. A Worker is not safe
// for concurrent use from multiple goroutines: Request, WaitGet, and the
// Release calls made on the Entry values it returns all assume a single
// caller, matching the single-producer/single-consumer rings backing
// them.
type Worker struct {
	id   uint32
	cfg  Config
	m    *mapping
	wake *sema.Sema // posted to wake the loader's dispatch loop
	comp *sema.Sema // waited on for a new completion

	// region is non-nil only for a Worker obtained via AttachWorker,
	// which owns its own mapping of the shared-memory segment and must
	// unmap it on Close. A Worker obtained via Loader.GetWorkerContext
	// shares the loader's mapping and has nothing of its own to close.
	region *shmem.Region
}

// ID returns the worker's index within the region.
func (w *Worker) ID() uint32 {
	return w.id
}

// Request submits path for asynchronous reading and returns true, or
// returns false immediately without blocking if the worker has no free
// slot available. Backpressure is the caller's problem: Request never
// waits for a slot to free up.
func (w *Worker) Request(path string) (bool, error) {
	if len(path)+1 > pathCap {
		return false, ErrPathTooLong
	}
	if w.m.header().abort != 0 {
		return false, ErrAborted
	}

	free := w.m.freeRing(w.id)
	global, ok := free.pop()
	if !ok {
		return false, nil
	}

	_, localIdx := splitGlobalSlot(w.cfg, global)
	meta := w.m.slotMeta(w.id, localIdx)
	if err := meta.setPath(path); err != nil {
		// Slot is lost from this request but remains structurally
		// valid; return it to the free ring rather than leaking it.
		free.push(global)
		return false, err
	}
	meta.storeState(slotPendingSubmit)

	sub := w.m.submissionRing(w.id)
	if !sub.push(global) {
		// The submission ring has at least QueueDepth capacity, the
		// same as the number of distinct slot tokens this worker ever
		// circulates, so this cannot happen in practice; handled the
		// same as no free slot rather than assumed impossible.
		meta.storeState(slotFree)
		free.push(global)
		return false, nil
	}

	w.wake.Post()
	return true, nil
}

// WaitGet blocks until a requested read completes and returns its
// Entry. Once the loader shuts down, it returns an Entry with
// Status() == StatusAborted instead of hanging; if no sentinel could be
// delivered before shutdown (see Loader.signalAbort), it falls back to
// a bare ErrAborted.
func (w *Worker) WaitGet() (*Entry, error) {
	comp := w.m.completionRing(w.id)
	for {
		if global, ok := comp.pop(); ok {
			return w.completionEntry(global), nil
		}

		err := w.comp.Wait()
		switch {
		case err == nil:
			continue
		case errors.Is(err, sema.ErrAborted):
			// Drain whatever completed before the abort was signalled;
			// only report ErrAborted once the ring is truly empty.
			if global, ok := comp.pop(); ok {
				return w.completionEntry(global), nil
			}
			return nil, ErrAborted
		default:
			return nil, fmt.Errorf("wait for completion: %w", err)
		}
	}
}

// completionEntry turns a value popped off the completion ring into an
// Entry, recognizing the StatusAborted sentinel as distinct from a real
// global slot index.
func (w *Worker) completionEntry(global uint32) *Entry {
	if global == abortSentinelGlobal {
		return abortedEntry(w)
	}
	return w.newEntry(global)
}

func (w *Worker) newEntry(global uint32) *Entry {
	id, localIdx := splitGlobalSlot(w.cfg, global)
	meta := w.m.slotMeta(id, localIdx)
	meta.storeState(slotBorrowed)
	return &Entry{
		w:      w,
		global: global,
		meta:   meta,
		data:   w.m.slotData(id, localIdx),
	}
}

// Close releases resources held by a Worker obtained via AttachWorker.
// It is a no-op for a Worker obtained via Loader.GetWorkerContext.
func (w *Worker) Close() error {
	if w.region == nil {
		return nil
	}
	return w.region.Close()
}
