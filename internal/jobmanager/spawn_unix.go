//go:build unix

package jobmanager

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isResourceError reports whether a spawn failure was caused by the host
// running out of processes, memory or file descriptors.
func isResourceError(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ENOMEM) ||
		errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE)
}
