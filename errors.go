package asyncloader

import "errors"

var (
	// ErrInvalidConfig is wrapped by Config.Validate failures.
	ErrInvalidConfig = errors.New("invalid loader configuration")

	// ErrPathTooLong is returned by Worker.Request when the path exceeds
	// PathCap.
	ErrPathTooLong = errors.New("path exceeds maximum length")

	// ErrDoubleRelease is returned by Entry.Release when the entry was
	// already released.
	ErrDoubleRelease = errors.New("slot already released")

	// ErrUseAfterRelease is returned by Entry.GetData and
	// Entry.GetFilepath once the entry has been released: the slot may
	// already have been handed back out and reused for another request,
	// so its data and path can no longer be trusted.
	ErrUseAfterRelease = errors.New("entry used after release")

	// ErrAborted is returned by Worker.WaitGet once the loader has shut
	// down cleanly; it replaces a hang on the completion semaphore.
	ErrAborted = errors.New("loader shut down")

	// ErrUnknownWorker is returned when a worker id is out of range for
	// the region's configured worker count.
	ErrUnknownWorker = errors.New("unknown worker id")

	// ErrNotASegment is returned by AttachWorker when the named
	// shared-memory segment does not carry the loader's header magic.
	ErrNotASegment = errors.New("shared memory segment is not an asyncloader region")
)
