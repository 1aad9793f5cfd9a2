package asyncloader

// Entry is a completed read, borrowed from its worker until Release.
// Its data points directly into the shared-memory region, so callers
// must not retain GetData's slice past Release; GetData and GetFilepath
// both return ErrUseAfterRelease once Release has been called, since
// the underlying slot may already have been handed back out to a new
// Request by then.
//
// An Entry with Status() == StatusAborted is synthetic: it carries no
// slot, meta is nil, and Release is a no-op rather than an error.
type Entry struct {
	w        *Worker
	global   uint32
	meta     *slotMeta
	data     []byte
	released bool
}

// abortedEntry builds the sentinel Entry WaitGet returns once it has
// observed abortSentinelGlobal on the completion ring.
func abortedEntry(w *Worker) *Entry {
	return &Entry{w: w, global: abortSentinelGlobal}
}

// GetFilepath returns the path that was requested for this entry. It
// returns ErrUseAfterRelease once Release has been called, and "" for a
// StatusAborted sentinel.
func (e *Entry) GetFilepath() (string, error) {
	if e.released {
		return "", ErrUseAfterRelease
	}
	if e.meta == nil {
		return "", nil
	}
	return e.meta.getPath(), nil
}

// Status reports whether the read succeeded, was truncated against the
// loader's MaxFileSize, failed, or was abandoned by a shutting-down
// loader.
func (e *Entry) Status() Status {
	if e.meta == nil {
		return StatusAborted
	}
	return Status(e.meta.status)
}

// Errno returns the raw errno value from a failed read. It is only
// meaningful when Status returns StatusOpenFailed or StatusReadFailed.
func (e *Entry) Errno() int32 {
	if e.meta == nil {
		return 0
	}
	return e.meta.errno
}

// GetData returns the bytes read, sized to exactly what the read
// returned (or truncated to MaxFileSize). It returns nil if Status
// reports a failure, and ErrUseAfterRelease once Release has been
// called. The returned slice aliases shared memory and becomes invalid
// after Release.
func (e *Entry) GetData() ([]byte, error) {
	if e.released {
		return nil, ErrUseAfterRelease
	}
	if e.meta == nil || e.Status().failed() {
		return nil, nil
	}
	return e.data[:e.meta.size], nil
}

// Release returns the entry's slot to its worker's free ring, making it
// available for a future Request. Calling Release twice on the same
// Entry returns ErrDoubleRelease; this is detected even on a
// StatusAborted sentinel, which otherwise owns no slot to return.
func (e *Entry) Release() error {
	if e.meta == nil {
		if e.released {
			return ErrDoubleRelease
		}
		e.released = true
		return nil
	}
	if !e.meta.casState(slotBorrowed, slotFree) {
		return ErrDoubleRelease
	}
	e.released = true
	free := e.w.m.freeRing(e.w.id)
	for !free.push(e.global) {
		// The free ring has the same capacity as the number of slots
		// this worker owns, and this slot was borrowed rather than
		// free, so there is always room; this only loops if another
		// goroutine is concurrently misusing the same Worker.
	}
	return nil
}
