package asyncloader

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gustrain/asyncloader/internal/sema"
	"github.com/gustrain/asyncloader/internal/shmem"
	"github.com/gustrain/asyncloader/internal/uring"
)

// Loader owns the shared-memory region and runs the single dispatch loop
// that batches reads through io_uring on behalf of every attached
// Worker. Exactly one process should call BecomeLoader on a given
// region; every other process attaches as a Worker via AttachWorker.
type Loader struct {
	log    *zap.SugaredLogger
	region *shmem.Region
	m      *mapping
	cfg    Config

	wake  *sema.Sema
	comps []*sema.Sema

	ring *uring.Ring
	pool *openPool

	pendingFD  map[uint32]int32 // global slot -> open fd, slotInFlight
	stageQueue []openResult     // opened but not yet staged (uring was full)

	// idleSinceStage counts consecutive dispatch ticks with no progress
	// at all (harvest, open, or reap), not just ticks that failed to
	// reach MinDispatchN; resetting on any progress still guarantees a
	// staged batch is flushed within MaxIdleIters of the loop going
	// quiet, which is what the no-starvation guarantee requires.
	idleSinceStage uint32
	bo             *backoff.ExponentialBackOff

	closeOnce sync.Once
}

// NewLoader creates and initializes a new named shared-memory region
// sized for cfg, and prepares (but does not start) the dispatch loop.
// Call BecomeLoader to start serving workers.
func NewLoader(name string, cfg Config, log *zap.SugaredLogger) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lay := newRegionLayout(cfg)
	region, err := shmem.Create(name, int(lay.total))
	if err != nil {
		return nil, fmt.Errorf("create loader region %q: %w", name, err)
	}

	m := newMapping(region.Bytes(), lay)
	h := m.header()
	h.magic = regionMagic
	h.queueDepth = cfg.QueueDepth
	h.nWorkers = cfg.NWorkers
	h.maxFileSize = cfg.MaxFileSize
	h.minDispatchN = cfg.MinDispatchN
	h.maxIdleIters = cfg.MaxIdleIters
	h.abort = 0
	h.loaderWake = 0

	comps := make([]*sema.Sema, cfg.NWorkers)
	for id := uint32(0); id < cfg.NWorkers; id++ {
		free := m.freeRing(id)
		for local := uint32(0); local < cfg.QueueDepth; local++ {
			if !free.push(globalSlot(cfg, id, local)) {
				region.Close()
				return nil, fmt.Errorf("initialize free ring for worker %d: ring rejected a slot it should have room for", id)
			}
		}
		comps[id] = sema.New(m.completionSema(id))
	}

	ring, err := uring.New(cfg.QueueDepth * cfg.NWorkers)
	if err != nil {
		region.Close()
		return nil, fmt.Errorf("set up io_uring: %w", err)
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         50 * time.Millisecond,
	}
	bo.Reset()

	return &Loader{
		log:       log,
		region:    region,
		m:         m,
		cfg:       cfg,
		wake:      sema.New(&h.loaderWake),
		comps:     comps,
		ring:      ring,
		pool:      newOpenPool(64),
		pendingFD: make(map[uint32]int32),
		bo:        bo,
	}, nil
}

// GetWorkerContext returns a Worker handle sharing this Loader's mapping
// directly, without re-attaching the shared-memory region. It is meant
// for use from within the loader's own process (tests, or a daemon that
// also runs worker code in-process); a worker running as a separate OS
// process must use AttachWorker instead.
func (l *Loader) GetWorkerContext(id uint32) (*Worker, error) {
	if id >= l.cfg.NWorkers {
		return nil, fmt.Errorf("worker %d: %w", id, ErrUnknownWorker)
	}
	return &Worker{
		id:   id,
		cfg:  l.cfg,
		m:    l.m,
		wake: l.wake,
		comp: l.comps[id],
	}, nil
}

// AttachWorker maps the named shared-memory region from scratch and
// returns a handle for worker id. This is the entry point a separate OS
// process uses: it knows only the region's name and its own worker id,
// and learns every other layout parameter from the region's header.
func AttachWorker(name string, id uint32) (*Worker, error) {
	region, err := shmem.Attach(name)
	if err != nil {
		return nil, fmt.Errorf("attach worker %d to %q: %w", id, name, err)
	}

	data := region.Bytes()
	if len(data) < int(headerSize) {
		region.Close()
		return nil, fmt.Errorf("attach worker %d to %q: %w", id, name, ErrNotASegment)
	}
	probe := newMapping(data, regionLayout{})
	h := probe.header()
	if h.magic != regionMagic {
		region.Close()
		return nil, fmt.Errorf("attach worker %d to %q: %w", id, name, ErrNotASegment)
	}

	cfg := Config{
		QueueDepth:   h.queueDepth,
		NWorkers:     h.nWorkers,
		MaxFileSize:  h.maxFileSize,
		MinDispatchN: h.minDispatchN,
		MaxIdleIters: h.maxIdleIters,
	}
	if id >= cfg.NWorkers {
		region.Close()
		return nil, fmt.Errorf("attach worker %d: %w", id, ErrUnknownWorker)
	}

	lay := newRegionLayout(cfg)
	if uintptr(len(data)) < lay.total {
		region.Close()
		return nil, fmt.Errorf("attach worker %d to %q: %w", id, name, ErrNotASegment)
	}

	m := newMapping(data, lay)
	w := &Worker{
		id:     id,
		cfg:    cfg,
		m:      m,
		wake:   sema.New(&m.header().loaderWake),
		comp:   sema.New(m.completionSema(id)),
		region: region,
	}
	return w, nil
}

// Close tears down the loader's io_uring instance and unlinks the
// shared-memory region. It does not signal abort to attached workers;
// call it only after BecomeLoader has returned.
func (l *Loader) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.pool.wait()
		if ferr := l.ring.Close(); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("close io_uring: %w", ferr))
		}
		if ferr := l.region.Close(); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("close region: %w", ferr))
		}
	})
	return err
}

// signalAbort flips the header's abort flag, pushes a StatusAborted
// sentinel onto every worker's completion ring, and wakes every worker
// blocked in WaitGet, so a shutting-down loader never leaves a worker
// hanging on its completion semaphore. The sentinel push is best
// effort: if a completion ring is already full of unclaimed
// completions, the worker drains those first and then unblocks via
// Abort() instead, falling back to a bare ErrAborted from WaitGet.
func (l *Loader) signalAbort() {
	l.m.header().abort = 1
	for id := uint32(0); id < l.cfg.NWorkers; id++ {
		l.m.completionRing(id).push(abortSentinelGlobal)
	}
	for _, c := range l.comps {
		c.Abort()
	}
}
