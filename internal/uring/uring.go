// Package uring is a minimal io_uring wrapper scoped to exactly what the
// loader's dispatch loop needs: stage many reads, submit them in one
// syscall, and peek completions without blocking. No SQPOLL, no fixed
// files, no op types besides NOP and READ. Linux/x86_64 only.
package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysIOURingSetup  = 425
	sysIOURingEnter  = 426
	sysIOURingRegist = 427

	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000

	enterGetEvents = 1 << 0

	featSingleMmap = 1 << 0
)

// Op is an io_uring submission opcode. Values match the kernel's
// IORING_OP_* enum; only the two this package issues are named.
type Op uint8

const (
	OpNop  Op = 0
	OpRead Op = 22
)

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

type params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WQFd         uint32
	Resv         [3]uint32
	SQOff        sqringOffsets
	CQOff        cqringOffsets
}

// SQE is a 64-byte submission queue entry, matching struct io_uring_sqe
// for the subset of fields OpNop/OpRead populate.
type SQE struct {
	Opcode      Op
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_pad2       [1]uint64
}

// CQE is a completion queue entry, matching struct io_uring_cqe.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Ring is a batching io_uring instance: PrepRead stages operations,
// Submit flushes the staged batch in a single syscall, and PeekCQE
// drains completions already sitting in the mmap'd completion ring.
type Ring struct {
	fd      int
	sqMem   []byte
	cqMem   []byte
	sqesMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray unsafe.Pointer

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   unsafe.Pointer

	sqes    unsafe.Pointer
	entries uint32

	sqeNext uint32 // next local SQE slot to fill, monotonically increasing
	staged  uint32 // SQEs filled since the last Submit
}

// New creates an io_uring instance with room for at least entries
// in-flight operations. entries need not be a power of 2; the kernel
// rounds up.
func New(entries uint32) (*Ring, error) {
	var p params
	fd, _, errno := unix.Syscall(sysIOURingSetup, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &Ring{
		fd:      int(fd),
		entries: p.SQEntries,
	}
	if err := r.mmapRings(&p); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *Ring) mmapRings(p *params) error {
	sqRingSize := int(p.SQOff.Array + p.SQEntries*4)
	sqMem, err := unix.Mmap(r.fd, offSQRing, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMem = sqMem

	if p.Features&featSingleMmap != 0 {
		r.cqMem = sqMem
	} else {
		cqRingSize := int(p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE{})))
		cqMem, err := unix.Mmap(r.fd, offCQRing, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
		r.cqMem = cqMem
	}

	sqeSize := int(p.SQEntries * uint32(unsafe.Sizeof(SQE{})))
	sqesMem, err := unix.Mmap(r.fd, offSQEs, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if r.cqMem != nil && &r.cqMem[0] != &r.sqMem[0] {
			unix.Munmap(r.cqMem)
		}
		unix.Munmap(r.sqMem)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(base, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(base, p.SQOff.RingMask))
	r.sqArray = unsafe.Add(base, p.SQOff.Array)

	cqBase := unsafe.Pointer(&r.cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	r.cqes = unsafe.Add(cqBase, p.CQOff.CQEs)

	r.sqes = unsafe.Pointer(&sqesMem[0])

	return nil
}

// Close releases all kernel and mmap resources. Any staged-but-unsubmitted
// operations are discarded.
func (r *Ring) Close() error {
	if r.sqesMem != nil {
		unix.Munmap(r.sqesMem)
	}
	if r.cqMem != nil && (r.sqMem == nil || &r.cqMem[0] != &r.sqMem[0]) {
		unix.Munmap(r.cqMem)
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
	}
	return unix.Close(r.fd)
}

func (r *Ring) sqeAt(idx uint32) *SQE {
	return (*SQE)(unsafe.Add(r.sqes, uintptr(idx)*unsafe.Sizeof(SQE{})))
}

// PrepRead stages a read of len(buf) bytes from fd at offset 0 into buf,
// tagged with userData for later correlation in a reaped CQE. buf must
// back memory the kernel can hold a pointer to for the lifetime of the
// operation (e.g. an mmap'd slot buffer, never a slice the Go allocator
// may move). Returns false if the staged batch already fills the ring
// and the caller must Submit before staging more.
func (r *Ring) PrepRead(fd int32, buf []byte, userData uint64) bool {
	if r.staged >= r.entries || len(buf) == 0 {
		return false
	}
	idx := r.sqeNext & r.sqMask
	*r.sqeAt(idx) = SQE{
		Opcode:   OpRead,
		Fd:       fd,
		Off:      0,
		Addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Len:      uint32(len(buf)),
		UserData: userData,
	}
	r.sqeNext++
	r.staged++
	return true
}

// Staged reports the number of operations staged since the last Submit.
func (r *Ring) Staged() uint32 {
	return r.staged
}

// Submit flushes every staged operation to the kernel in a single
// io_uring_enter call and resets the staged count. It does not wait for
// completions; use PeekCQE to reap them as they land.
func (r *Ring) Submit() (uint32, error) {
	count := r.staged
	if count == 0 {
		return 0, nil
	}

	tail := atomic.LoadUint32(r.sqTail)
	for i := uint32(0); i < count; i++ {
		slot := (tail + i) & r.sqMask
		sqeIdx := (r.sqeNext - count + i) & r.sqMask
		*(*uint32)(unsafe.Add(r.sqArray, uintptr(slot)*4)) = sqeIdx
	}
	atomic.StoreUint32(r.sqTail, tail+count)

	_, _, errno := unix.Syscall6(sysIOURingEnter, uintptr(r.fd), uintptr(count), 0, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_enter: %w", errno)
	}

	r.staged = 0
	return count, nil
}

// PeekCQE returns the oldest unreaped completion, if any, without
// blocking or issuing a syscall — completions are kernel-written directly
// into the mmap'd completion ring.
func (r *Ring) PeekCQE() (CQE, bool) {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return CQE{}, false
	}
	idx := head & r.cqMask
	cqe := *(*CQE)(unsafe.Add(r.cqes, uintptr(idx)*unsafe.Sizeof(CQE{})))
	atomic.StoreUint32(r.cqHead, head+1)
	return cqe, true
}

// Entries returns the ring's submission-queue capacity.
func (r *Ring) Entries() uint32 {
	return r.entries
}
