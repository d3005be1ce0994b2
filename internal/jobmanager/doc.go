// Package jobmanager runs queued Jobs across a bounded number of worker
// processes on the local host.
//
// A Runner drains its queue, partitions the Jobs into at most MaxWorkers
// chunks and spawns one Worker process per chunk. Each Worker re-executes the
// current binary, which must call Main first thing, receives its chunk on
// stdin and runs the Jobs sequentially. Run returns once every spawned Worker
// has been reaped, with the outcome of each chunk.
package jobmanager
