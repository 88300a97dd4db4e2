//go:build !linux

package sysx

import (
	"github.com/containerd/errdefs"
	cgroupsstats "github.com/containerd/cgroups/v3/cgroup2/stats"
	"golang.org/x/sys/unix"
)

// PidFd stubs the Linux pidfd handle on platforms this shim doesn't
// support as a container host; every method returns ErrNotImplemented.
type PidFd struct{}

func OpenPidFd(pid int) (*PidFd, error) {
	return nil, errdefs.ErrNotImplemented
}

func (p *PidFd) Wait(pid int) (unix.WaitStatus, error) {
	return 0, errdefs.ErrNotImplemented
}

func (p *PidFd) Signal(sig unix.Signal) error {
	return errdefs.ErrNotImplemented
}

func (p *PidFd) Close() error {
	return nil
}

func ReadMetrics(path string) (*cgroupsstats.Metrics, error) {
	return nil, errdefs.ErrNotImplemented
}

func ReadMetricsForPid(pid int) (*cgroupsstats.Metrics, error) {
	return nil, errdefs.ErrNotImplemented
}
