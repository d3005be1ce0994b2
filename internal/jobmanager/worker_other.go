//go:build !linux

package jobmanager

import "errors"

func (w *Worker) attachCgroup() error {
	return errors.New("cgroup resource limits are only supported on linux")
}
