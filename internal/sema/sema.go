// Package sema implements a cross-process counting semaphore backed by a
// futex word. It gives the loader-wakeup and per-worker completion
// semaphores described in the loader's synchronization protocol without
// a named POSIX semaphore and its own IPC namespace to clean up.
package sema

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysFutex = 202 // SYS_futex, linux/amd64

	futexWait = 0
	futexWake = 1
)

// The word's high bit marks the semaphore as aborted; the remaining 31
// bits hold the count. Packing both into one word keeps Abort's effect
// visible to every process sharing the word with a single atomic op,
// which is what lets Wait distinguish "woken by a real Post" from
// "woken because the semaphore was torn down" without a second word.
const (
	abortBit  uint32 = 1 << 31
	countMask uint32 = abortBit - 1
)

// ErrAborted is returned by Wait once Abort has been called and no
// posted count remains to satisfy the wait.
var ErrAborted = errors.New("semaphore aborted")

// Sema is a counting semaphore whose state lives in a single uint32,
// typically a field inside a shared-memory header so that Post and Wait
// can be called from different processes mapping the same region.
type Sema struct {
	word *uint32
}

// New wraps an existing word as a semaphore. The word's initial value is
// the semaphore's initial count; callers are responsible for zeroing or
// otherwise initializing it before any process maps it.
func New(word *uint32) *Sema {
	return &Sema{word: word}
}

// Post increments the count and wakes one waiter, if any. Post on an
// aborted semaphore is a no-op: once Abort has run, the semaphore is
// done and no further counts can be taken.
func (s *Sema) Post() {
	for {
		v := atomic.LoadUint32(s.word)
		if v&abortBit != 0 {
			return
		}
		nv := v&^countMask | ((v&countMask + 1) & countMask)
		if atomic.CompareAndSwapUint32(s.word, v, nv) {
			break
		}
	}
	futexWakeOp(s.word, 1)
}

// TryWait decrements the count and returns true if it was already
// positive, without blocking. It never reports abort; callers that need
// to observe abort must use Wait.
func (s *Sema) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.word)
		c := v & countMask
		if c == 0 {
			return false
		}
		nv := v&^countMask | (c - 1)
		if atomic.CompareAndSwapUint32(s.word, v, nv) {
			return true
		}
	}
}

// Wait blocks until the count is positive, then decrements it and
// returns nil. If Abort runs while Wait is blocked, and no count is left
// to take, Wait returns ErrAborted instead of blocking forever.
func (s *Sema) Wait() error {
	for {
		v := atomic.LoadUint32(s.word)
		c := v & countMask
		if c > 0 {
			nv := v&^countMask | (c - 1)
			if atomic.CompareAndSwapUint32(s.word, v, nv) {
				return nil
			}
			continue
		}
		if v&abortBit != 0 {
			return ErrAborted
		}
		if err := futexWaitOp(s.word, v); err != nil {
			return err
		}
	}
}

// Abort marks the semaphore aborted and wakes every waiter currently
// blocked in Wait. Each waiter observes the abort bit on its next loop
// iteration and returns ErrAborted, so Abort correctly releases any
// number of concurrent waiters, not just one.
func (s *Sema) Abort() {
	for {
		v := atomic.LoadUint32(s.word)
		nv := v | abortBit
		if v == nv || atomic.CompareAndSwapUint32(s.word, v, nv) {
			break
		}
	}
	futexWakeOp(s.word, math.MaxInt32)
}

func futexWaitOp(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(sysFutex, uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val), 0, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return fmt.Errorf("futex wait: %w", errno)
	}
	return nil
}

func futexWakeOp(addr *uint32, n int32) {
	unix.Syscall6(sysFutex, uintptr(unsafe.Pointer(addr)), futexWake, uintptr(n), 0, 0, 0)
}
