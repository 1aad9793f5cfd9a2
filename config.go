package asyncloader

import (
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Config parametrizes a Loader. Values are validated by Validate and
// snapshotted into the shared-memory header at NewLoader time, so every
// Worker that later attaches to the region learns them without a side
// channel.
type Config struct {
	// QueueDepth is the number of slots owned by each worker; it also
	// sizes that worker's submission, completion, and free rings.
	QueueDepth uint32
	// NWorkers is the number of worker contexts the region reserves
	// space for.
	NWorkers uint32
	// MaxFileSize is the per-slot buffer capacity in bytes. Reads past
	// this many bytes are truncated. Must be a multiple of the system
	// page size.
	MaxFileSize uint32
	// MinDispatchN is the minimum number of staged reads that triggers
	// an immediate submit. A value <= 0 disables batching: every staged
	// read is submitted as soon as it is staged.
	MinDispatchN int32
	// MaxIdleIters bounds how many dispatch-loop iterations an
	// undersized batch may wait before being flushed anyway.
	MaxIdleIters uint32
}

// DefaultConfig returns reasonable defaults for local development and
// tests.
func DefaultConfig() Config {
	return Config{
		QueueDepth:   1024,
		NWorkers:     1,
		MaxFileSize:  1 << 20,
		MinDispatchN: 64,
		MaxIdleIters: 1024,
	}
}

// Validate reports every configuration error found, rather than just the
// first, so a misconfigured daemon fails with a complete diagnosis.
func (c Config) Validate() error {
	var err error

	if c.NWorkers == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: n_workers must be > 0", ErrInvalidConfig))
	}
	if c.QueueDepth == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: queue_depth must be > 0", ErrInvalidConfig))
	}
	if c.MaxFileSize == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_file_size must be > 0", ErrInvalidConfig))
	} else if pageSize := uint32(unix.Getpagesize()); c.MaxFileSize%pageSize != 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_file_size %d must be a multiple of the page size %d", ErrInvalidConfig, c.MaxFileSize, pageSize))
	}
	if c.MaxIdleIters == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_idle_iters must be > 0, or staged reads could wait forever", ErrInvalidConfig))
	}

	return err
}

// batchingDisabled reports whether MinDispatchN's sentinel value is set,
// per spec: any non-positive value disables batching entirely.
func (c Config) batchingDisabled() bool {
	return c.MinDispatchN <= 0
}
