// Package partition splits a sequence of Jobs into Chunks, one per worker
// process.
package partition

import "github.com/nixpig/procpool/internal/jobqueue"

// Chunk is a contiguous, order-preserving run of Jobs assigned to exactly one
// worker. EqualChunks sets Index to the Chunk's position in the partition;
// other Strategies may use any labels.
type Chunk struct {
	Index int
	Jobs  []jobqueue.Job
}

// Len returns the number of Jobs in the Chunk.
func (c Chunk) Len() int {
	return len(c.Jobs)
}

// JobIDs returns the IDs of the Jobs in the Chunk, in order.
func (c Chunk) JobIDs() []string {
	ids := make([]string, len(c.Jobs))
	for i, job := range c.Jobs {
		ids[i] = job.ID
	}

	return ids
}

// Strategy divides jobs into at most maxWorkers Chunks. Every Job must appear
// in exactly one Chunk and concatenating the Chunks in slice order must
// reproduce jobs.
type Strategy interface {
	Partition(jobs []jobqueue.Job, maxWorkers int) []Chunk
}

// EqualChunks is a Strategy that gives every Chunk BucketSize Jobs, except
// possibly the last which holds the remainder.
type EqualChunks struct{}

// Partition implements Strategy. It returns nil for an empty jobs slice.
// maxWorkers less than one is treated as one.
func (EqualChunks) Partition(jobs []jobqueue.Job, maxWorkers int) []Chunk {
	size := BucketSize(len(jobs), maxWorkers)
	if size == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(jobs)+size-1)/size)

	for start := 0; start < len(jobs); start += size {
		end := min(start+size, len(jobs))

		chunks = append(chunks, Chunk{
			Index: len(chunks),
			// Clip so appends on one Chunk can never write into the next.
			Jobs: jobs[start:end:end],
		})
	}

	return chunks
}

// BucketSize returns ceil(n/m), the target number of Jobs per Chunk. It
// returns 0 when there are no Jobs.
func BucketSize(n, m int) int {
	if n <= 0 {
		return 0
	}

	if m < 1 {
		m = 1
	}

	return (n + m - 1) / m
}
