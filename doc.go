// Package asyncloader implements a high-throughput asynchronous file
// loader: a single loader process batches reads against io_uring on
// behalf of many worker processes, handing completed file contents back
// through preallocated shared-memory slots instead of pipes or sockets.
//
// A Loader owns the shared-memory region and the dispatch loop; each
// Worker is a thin handle into that region used from the consuming
// process to submit path requests and collect completed Entry values.
// None of the types in this package are safe to share across an actual
// fork — Worker handles obtained via AttachWorker re-map the region from
// scratch, which is what lets the loader and its workers live in
// separate OS processes.
package asyncloader
