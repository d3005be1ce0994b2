// Package output captures the combined stdout/stderr of a worker process.
// Multiple clients can subscribe to a Streamer and each receive the complete
// output from the beginning.
package output

import (
	"io"
	"sync"
)

const (
	// initialBufferCapacity is the starting size for the output buffer.
	// Most workers print little beyond occasional log lines.
	initialBufferCapacity = 4096

	// readBufferSize is the temporary buffer size for reading from source pipe.
	// 4KB aligns with typical pipe buffer sizes.
	readBufferSize = 4096
)

// Streamer is responsible for processing worker output by reading from a
// source io.ReadCloser and storing the data in an internal buffer for use by
// subscribers. The internal buffer grows to accommodate new output.
type Streamer struct {
	// NOTE: the buffer has no upper bound. A worker that prints a lot of output
	// will keep all of it in the parent until the run ends.
	buffer []byte

	done chan struct{}
	mu   sync.Mutex
	cond sync.Cond
}

// NewStreamer creates a Streamer that reads from source and immediately begins
// processing. It continues processing until source returns an error, usually
// io.EOF once every writer of the pipe has closed.
func NewStreamer(source io.ReadCloser) *Streamer {
	s := &Streamer{
		buffer: make([]byte, 0, initialBufferCapacity),
		done:   make(chan struct{}),
	}

	s.cond.L = &s.mu

	go s.processOutput(source)

	return s
}

func (s *Streamer) processOutput(source io.ReadCloser) {
	defer func() {
		close(s.done)
		source.Close()

		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			s.mu.Lock()

			s.buffer = append(s.buffer, buffer[:n]...)

			s.cond.Broadcast()

			s.mu.Unlock()
		}

		if err != nil {
			// io.EOF is the normal end of a worker's output. Any other read error
			// also ends the stream; subscribers see EOF either way.
			return
		}
	}
}

// Subscribe returns a io.ReadCloser for reading data from the Streamer.
// Close cancels the subscription.
func (s *Streamer) Subscribe() io.ReadCloser {
	return &reader{s: s}
}

// Bytes returns a copy of all output buffered so far.
func (s *Streamer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]byte, len(s.buffer))
	copy(b, s.buffer)

	return b
}

// Done returns a channel that is closed when processing has finished, i.e. the
// source io.ReadCloser is closed.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

func (s *Streamer) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
