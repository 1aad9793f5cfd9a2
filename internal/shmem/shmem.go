// Package shmem allocates and attaches POSIX shared-memory segments under
// /dev/shm, the same mechanism glibc's shm_open uses on Linux. Regions are
// addressed by name and mapped MAP_SHARED so every process sees the same
// bytes at whatever address each process happens to map them.
package shmem

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ErrAlreadyExists is returned by Create when a segment of the same name
// is already present, per the loader's requirement to reject duplicate
// region names rather than silently attach to one.
var ErrAlreadyExists = errors.New("shared memory segment already exists")

const shmDir = "/dev/shm"

// Region is a memory-mapped shared-memory segment.
type Region struct {
	name  string
	data  []byte
	owner bool
}

func path(name string) string {
	return filepath.Join(shmDir, name)
}

// Create allocates a new named segment of the given size, failing if one
// already exists. The creating process owns the segment: Close on an
// owned Region unlinks it.
func Create(name string, size int) (*Region, error) {
	fd, err := unix.Open(path(name), unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("create shared memory %q: %w", name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create shared memory %q: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(path(name))
		return nil, fmt.Errorf("size shared memory %q: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(path(name))
		return nil, fmt.Errorf("map shared memory %q: %w", name, err)
	}

	return &Region{name: name, data: data, owner: true}, nil
}

// Attach maps an existing named segment created by another process with
// Create. The segment's size is read back with fstat, so a process that
// knows only the segment's name — the common case across a real fork,
// where the attaching process has no Config of its own yet — can attach
// without first learning the size out of band.
func Attach(name string) (*Region, error) {
	fd, err := unix.Open(path(name), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("attach shared memory %q: %w", name, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat shared memory %q: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map shared memory %q: %w", name, err)
	}

	return &Region{name: name, data: data, owner: false}, nil
}

// Bytes returns the mapped region. The returned slice's backing array is
// mmap'd memory, not Go-heap memory: it never moves, so taking its
// address for a pinned kernel I/O buffer is safe.
func (r *Region) Bytes() []byte {
	return r.data
}

// Close unmaps the region and, if this process created it, unlinks the
// backing /dev/shm entry so no stale segment survives a clean shutdown.
func (r *Region) Close() error {
	var err error
	if uerr := unix.Munmap(r.data); uerr != nil {
		err = multierr.Append(err, fmt.Errorf("unmap shared memory %q: %w", r.name, uerr))
	}
	if r.owner {
		if uerr := unix.Unlink(path(r.name)); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unlink shared memory %q: %w", r.name, uerr))
		}
	}
	return err
}
