package jobmanager

import "syscall"

// attachCgroup spawns the process directly into the Worker's cgroup when the
// cgroup FD is available.
func (w *Worker) attachCgroup() error {
	fd := w.cgroup.FD()
	if fd == nil {
		return nil
	}

	w.cmd.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    int(fd.Fd()),
	}

	return nil
}
