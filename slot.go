package asyncloader

import "sync/atomic"

// pathCap bounds the length of a path storable in a slot, including the
// terminating NUL. Request rejects longer paths with ErrPathTooLong
// rather than silently truncating them.
const pathCap = 256

// slotState is the lifecycle state of a single slot. Transitions are
// driven entirely by the loader's dispatch loop and by Worker.Request /
// Entry.Release; no other code touches a slot's state word.
type slotState uint32

const (
	// slotFree slots are on a worker's free ring, available for Request.
	slotFree slotState = iota
	// slotPendingSubmit slots hold a path written by Request and are
	// waiting to be picked up by the dispatch loop and staged into
	// io_uring.
	slotPendingSubmit
	// slotInFlight slots have an outstanding io_uring read.
	slotInFlight
	// slotCompleted slots hold a finished read, queued on the worker's
	// completion ring, not yet handed to the caller by WaitGet.
	slotCompleted
	// slotBorrowed slots have been returned by WaitGet and are held by
	// the caller until Entry.Release.
	slotBorrowed
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotPendingSubmit:
		return "pending_submit"
	case slotInFlight:
		return "in_flight"
	case slotCompleted:
		return "completed"
	case slotBorrowed:
		return "borrowed"
	default:
		return "unknown"
	}
}

// Status describes the outcome of a completed read, distinct from the
// slot's lifecycle state: a slot reaches slotCompleted carrying exactly
// one of these.
type Status uint32

const (
	// StatusOK means the file was read in full.
	StatusOK Status = iota
	// StatusOpenFailed means open(2) failed; no read was ever staged.
	// Entry.GetData returns no data and Entry.Errno carries the errno.
	StatusOpenFailed
	// StatusReadFailed means the async read completed with a negative
	// result. Entry.GetData returns no data and Entry.Errno carries the
	// negated errno from the completion.
	StatusReadFailed
	// StatusTruncated means the file was larger than the loader's
	// configured MaxFileSize; Entry.GetData returns the first
	// MaxFileSize bytes.
	StatusTruncated
	// StatusAborted marks a sentinel Entry synthesized on loader
	// shutdown rather than a real completion. Entry.GetData returns no
	// data; the Entry carries no slot, so its first Release is a no-op
	// and any later Release returns ErrDoubleRelease.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusOpenFailed:
		return "open_failed"
	case StatusReadFailed:
		return "read_failed"
	case StatusTruncated:
		return "truncated"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// failed reports whether the status represents a read that produced no
// usable data.
func (s Status) failed() bool {
	return s == StatusOpenFailed || s == StatusReadFailed || s == StatusAborted
}

// abortSentinelGlobal is pushed onto a worker's completion ring in place
// of a real global slot index to signal StatusAborted. It can never
// collide with a genuine global slot index: those run from 0 to
// QueueDepth*NWorkers-1, both int32-bounded and therefore far below
// this value.
const abortSentinelGlobal = ^uint32(0)

// slotMeta is the fixed-size, shared-memory-resident metadata for one
// slot. Every field is accessed through atomic or plain loads depending
// on whether more than one process can observe it concurrently; the
// lifecycle protocol guarantees that pathLen/path/size/status/errno are
// only written by the single process that currently "owns" the slot, so
// only state needs atomic access.
type slotMeta struct {
	state   uint32 // atomic, see slotState
	status  uint32 // valid once state >= slotCompleted
	errno   int32  // valid when status is StatusOpenFailed or StatusReadFailed
	size    uint32 // bytes of valid data, valid once state >= slotCompleted
	pathLen uint32
	_       uint32 // pad to 8-byte alignment before the path array
	path    [pathCap]byte
}

func (m *slotMeta) loadState() slotState {
	return slotState(atomic.LoadUint32(&m.state))
}

func (m *slotMeta) storeState(s slotState) {
	atomic.StoreUint32(&m.state, uint32(s))
}

// casState performs the lifecycle's compare-and-swap transition,
// returning false if another goroutine already moved the slot out of
// from.
func (m *slotMeta) casState(from, to slotState) bool {
	return atomic.CompareAndSwapUint32(&m.state, uint32(from), uint32(to))
}

func (m *slotMeta) setPath(p string) error {
	if len(p)+1 > pathCap {
		return ErrPathTooLong
	}
	n := copy(m.path[:], p)
	m.path[n] = 0
	m.pathLen = uint32(n)
	return nil
}

func (m *slotMeta) getPath() string {
	return string(m.path[:m.pathLen])
}
