//go:build linux

package sysx

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PidFd is a non-blocking handle on a running process's exit, grounded
// on podman's pidhandle_linux.go use of unix.PidfdOpen/PidfdSendSignal:
// a pidfd is race-free against PID reuse in a way that polling /proc or
// sending signal 0 is not.
type PidFd struct {
	fd int
	f  *os.File
}

// OpenPidFd opens a pidfd for pid. ENOSYS means the running kernel
// predates pidfd_open (pre-5.3); the error is returned wrapped and no
// other exit-watching mechanism is set up here.
func OpenPidFd(pid int) (*PidFd, error) {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("sysx: pidfd_open(%d): %w", pid, err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("pidfd-%d", pid))
	return &PidFd{fd: fd, f: f}, nil
}

// Wait blocks until the pidfd becomes readable (the kernel's signal
// that the process has exited) and reaps it with a non-blocking Wait4,
// consuming no other goroutine's SIGCHLD delivery.
func (p *PidFd) Wait(pid int) (unix.WaitStatus, error) {
	if err := waitUntilReadable(p.fd); err != nil {
		return 0, err
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err != nil {
		return 0, fmt.Errorf("sysx: wait4: %w", err)
	}
	return ws, nil
}

// Signal delivers sig to the process referenced by the pidfd, immune to
// the target pid having been reused by an unrelated process in the
// interim.
func (p *PidFd) Signal(sig unix.Signal) error {
	return unix.PidfdSendSignal(p.fd, sig, nil, 0)
}

// Close releases the pidfd.
func (p *PidFd) Close() error {
	return p.f.Close()
}

func waitUntilReadable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("sysx: poll pidfd: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}
