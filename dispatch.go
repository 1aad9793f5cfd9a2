package asyncloader

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gustrain/asyncloader/internal/uring"
)

// maxHarvestPerTick bounds how many submission-ring entries the dispatch
// loop drains from a single worker before moving on to the next, so one
// worker flooding its submission ring cannot starve the others within a
// tick.
const maxHarvestPerTick = 256

// BecomeLoader runs the dispatch loop until ctx is cancelled. It is
// meant to be the only thing the loader process's goroutine does; every
// mutation of a ring, the io_uring instance, or the in-flight map
// happens on this goroutine, which is what lets all of those structures
// go without their own locks.
//
// A Worker.Request posts l.wake to nudge a loader that has gone idle
// rather than leave it polling on a timer. A background goroutine turns
// ctx cancellation into an Abort() of the same semaphore, so a loader
// blocked on l.wake.Wait() with nothing staged unblocks immediately on
// shutdown instead of waiting out a stale backoff.
func (l *Loader) BecomeLoader(ctx context.Context) error {
	defer l.signalAbort()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			l.wake.Abort()
		case <-stopWatch:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return l.drainShutdown()
		default:
		}

		progressed := l.harvestSubmissions(ctx)
		progressed = l.drainOpened() || progressed
		l.maybeDispatch()
		progressed = l.reapCompletions() || progressed

		if progressed {
			l.idleSinceStage = 0
			l.bo.Reset()
			continue
		}

		l.idleSinceStage++
		if l.ring.Staged() > 0 && l.idleSinceStage >= l.cfg.MaxIdleIters {
			l.submitStaged()
			continue
		}

		if l.ring.Staged() > 0 || len(l.pendingFD) > 0 || len(l.stageQueue) > 0 {
			// Either a batch is still building, or a read is in flight
			// in io_uring, or an open is stuck waiting for ring room;
			// io_uring completions only surface via PeekCQE polling, so
			// the loop must keep ticking rather than block. A wake that
			// landed since our last check still means there is more to
			// harvest right now, so skip the backoff sleep in that case
			// instead of waiting it out.
			if l.wake.TryWait() {
				continue
			}
			select {
			case <-ctx.Done():
				return l.drainShutdown()
			case <-time.After(l.bo.NextBackOff()):
			}
			continue
		}

		// Truly idle: nothing staged, nothing in flight, nothing stuck
		// behind a full uring. Block until a Request posts l.wake or
		// shutdown aborts it, instead of polling a timer for no reason.
		if err := l.wake.Wait(); err != nil {
			return l.drainShutdown()
		}
		l.bo.Reset()
	}
}

// harvestSubmissions pops queued paths off every worker's submission
// ring and hands them to the open pool. It never touches io_uring
// directly; PrepRead happens once the open completes, in drainOpened.
func (l *Loader) harvestSubmissions(ctx context.Context) bool {
	any := false
	for id := uint32(0); id < l.cfg.NWorkers; id++ {
		sub := l.m.submissionRing(id)
		for i := 0; i < maxHarvestPerTick; i++ {
			global, ok := sub.pop()
			if !ok {
				break
			}
			any = true
			localID, localIdx := splitGlobalSlot(l.cfg, global)
			meta := l.m.slotMeta(localID, localIdx)
			l.pool.submit(ctx, global, meta.getPath())
		}
	}
	return any
}

// drainOpened drains every open result currently available without
// blocking, staging successful opens into io_uring and completing
// failed ones immediately with StatusOpenFailed.
func (l *Loader) drainOpened() bool {
	any := false
drain:
	for {
		select {
		case res := <-l.pool.out:
			any = true
			l.handleOpenResult(res)
		default:
			break drain
		}
	}

	// Retry anything that couldn't be staged last time because the
	// uring's submission queue was full.
	remaining := l.stageQueue[:0]
	for _, res := range l.stageQueue {
		if l.stage(res) {
			any = true
		} else {
			remaining = append(remaining, res)
		}
	}
	l.stageQueue = remaining

	return any
}

func (l *Loader) handleOpenResult(res openResult) {
	if res.err != nil {
		l.completeError(res.global, res.err)
		return
	}
	if !l.stage(res) {
		l.stageQueue = append(l.stageQueue, res)
	}
}

// stage attempts to place an opened file into the next io_uring SQE. It
// returns false if the ring has no room, in which case the caller must
// retry on a later tick.
func (l *Loader) stage(res openResult) bool {
	id, localIdx := splitGlobalSlot(l.cfg, res.global)
	meta := l.m.slotMeta(id, localIdx)
	buf := l.m.slotData(id, localIdx)

	if !l.ring.PrepRead(res.fd, buf, uint64(res.global)) {
		return false
	}

	meta.storeState(slotInFlight)
	l.pendingFD[res.global] = res.fd
	l.idleSinceStage = 0
	return true
}

// maybeDispatch submits the currently staged batch of reads if the
// configured batching policy calls for it now. Forced submission after
// MaxIdleIters idle ticks happens in BecomeLoader's main loop, since it
// only applies when nothing else progressed.
func (l *Loader) maybeDispatch() {
	staged := l.ring.Staged()
	if staged == 0 {
		return
	}
	if l.cfg.batchingDisabled() || staged >= uint32(l.cfg.MinDispatchN) {
		l.submitStaged()
	}
}

func (l *Loader) submitStaged() {
	if l.ring.Staged() == 0 {
		return
	}
	if _, err := l.ring.Submit(); err != nil {
		l.log.Errorw("io_uring submit failed", "error", err)
	}
}

// reapCompletions drains every completion event currently ready without
// blocking, writes the outcome into the slot, and publishes the slot to
// the owning worker's completion ring.
func (l *Loader) reapCompletions() bool {
	any := false
	for {
		cqe, ok := l.ring.PeekCQE()
		if !ok {
			break
		}
		any = true
		l.completeCQE(cqe)
	}
	return any
}

func (l *Loader) completeCQE(cqe uring.CQE) {
	global := uint32(cqe.UserData)
	id, localIdx := splitGlobalSlot(l.cfg, global)
	meta := l.m.slotMeta(id, localIdx)

	fd, hadFD := l.pendingFD[global]
	if hadFD {
		unix.Close(int(fd))
		delete(l.pendingFD, global)
	}

	switch {
	case cqe.Res < 0:
		meta.errno = -cqe.Res
		meta.size = 0
		meta.status = uint32(StatusReadFailed)
	case uint32(cqe.Res) == l.cfg.MaxFileSize:
		meta.size = uint32(cqe.Res)
		meta.status = uint32(l.resolveBoundaryStatus(meta.getPath()))
	default:
		meta.size = uint32(cqe.Res)
		meta.status = uint32(StatusOK)
	}

	meta.storeState(slotCompleted)

	comp := l.m.completionRing(id)
	for !comp.push(global) {
		// The worker isn't draining its completion ring fast enough to
		// keep up with the loader; there is nowhere else to put this
		// result, so wait for room rather than drop it.
		time.Sleep(time.Microsecond)
	}
	l.comps[id].Post()
}

// resolveBoundaryStatus disambiguates the case where a read returns
// exactly MaxFileSize bytes, which is indistinguishable from a larger,
// truncated file using the completion result alone: a single read(2)
// call saturating the buffer looks the same whether the file is exactly
// that size or bigger. A synchronous stat resolves it.
func (l *Loader) resolveBoundaryStatus(path string) Status {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		// The file existed moments ago when opened; treat a stat
		// failure now as inconclusive rather than as an error on an
		// already-successful read.
		return StatusOK
	}
	if uint64(st.Size) > uint64(l.cfg.MaxFileSize) {
		return StatusTruncated
	}
	return StatusOK
}

func (l *Loader) completeError(global uint32, err error) {
	id, localIdx := splitGlobalSlot(l.cfg, global)
	meta := l.m.slotMeta(id, localIdx)

	errno := -1
	if eno, ok := err.(unix.Errno); ok {
		errno = int(eno)
	}
	meta.errno = int32(errno)
	meta.size = 0
	meta.status = uint32(StatusOpenFailed)
	meta.storeState(slotCompleted)

	comp := l.m.completionRing(id)
	for !comp.push(global) {
		time.Sleep(time.Microsecond)
	}
	l.comps[id].Post()
}

// drainShutdown submits whatever is staged and closes every still-open
// fd left in flight before BecomeLoader returns, so a cancelled context
// never leaks file descriptors even though it abandons any reads that
// had not yet completed.
func (l *Loader) drainShutdown() error {
	l.submitStaged()
	for global, fd := range l.pendingFD {
		unix.Close(int(fd))
		delete(l.pendingFD, global)
	}
	for _, res := range l.stageQueue {
		unix.Close(int(res.fd))
	}
	l.stageQueue = nil
	l.pool.wait()
	for {
		select {
		case res := <-l.pool.out:
			if res.err == nil {
				unix.Close(int(res.fd))
			}
		default:
			return nil
		}
	}
}
