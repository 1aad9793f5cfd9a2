package asyncloader

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// openResult is what the open pool reports back to the dispatch loop for
// a single requested path.
type openResult struct {
	global uint32
	fd     int32
	err    error
}

// openPool bounds the number of concurrent blocking open(2) calls the
// loader issues while turning a path into a file descriptor for
// io_uring, so a slow filesystem (network mount, cold inode cache)
// cannot spawn unbounded goroutines. Only open is offloaded this way:
// the read itself goes through io_uring on the dispatch goroutine, never
// through this pool.
type openPool struct {
	sem *semaphore.Weighted
	out chan openResult
	wg  sync.WaitGroup
}

func newOpenPool(concurrency int64) *openPool {
	return &openPool{
		sem: semaphore.NewWeighted(concurrency),
		out: make(chan openResult, 4*int(concurrency)),
	}
}

// submit starts a goroutine that opens path read-only and reports the
// result on p.out, blocking for a free pool slot if concurrency is
// already saturated. It never blocks the caller on the open(2) call
// itself.
func (p *openPool) submit(ctx context.Context, global uint32, path string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			select {
			case p.out <- openResult{global: global, fd: -1, err: err}:
			case <-ctx.Done():
			}
			return
		}
		defer p.sem.Release(1)

		fd, err := unix.Open(path, unix.O_RDONLY, 0)
		res := openResult{global: global, fd: int32(fd), err: err}
		select {
		case p.out <- res:
		case <-ctx.Done():
			if err == nil {
				unix.Close(fd)
			}
		}
	}()
}

// wait blocks until every outstanding open goroutine has returned. Call
// it only after no further submit calls will be made.
func (p *openPool) wait() {
	p.wg.Wait()
}
