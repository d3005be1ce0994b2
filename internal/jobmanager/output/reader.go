package output

import (
	"io"
	"sync/atomic"
)

// reader is used for reading data from a Streamer, internally managing its
// position in the buffer and reading new data as it arrives. It implements the
// io.ReadCloser interface. Safe for concurrent use.
type reader struct {
	position int
	closed   atomic.Bool

	s *Streamer
}

// Read performs a blocking read of data from the buffer of the Streamer.
// When there's no more data left and there's no more coming, it returns an
// io.EOF error.
func (r *reader) Read(p []byte) (n int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// Broadcast is called on 'close' and on 'more data available'.
	for r.position >= len(r.s.buffer) && !r.isFinished() {
		r.s.cond.Wait()
	}

	if r.isFinished() {
		return 0, io.EOF
	}

	availableData := len(r.s.buffer) - r.position
	amountToCopy := min(availableData, len(p))

	n = copy(p, r.s.buffer[r.position:r.position+amountToCopy])

	r.position += n

	return n, nil
}

// Close is used by a client to 'unsubscribe'. It marks the reader as closed
// and notifies any waiting reads that they can stop waiting. Closing an
// already closed reader returns io.ErrClosedPipe.
func (r *reader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.closed.Swap(true) {
		return io.ErrClosedPipe
	}

	r.s.cond.Broadcast()

	return nil
}

func (r *reader) isFinished() bool {
	// Finished if the reader is closed, or the Streamer is done and all data
	// has been read.
	return r.closed.Load() || (r.s.isDone() && r.position >= len(r.s.buffer))
}
