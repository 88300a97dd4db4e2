package hooks

import (
	"syscall"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/wazero-shim/containerd-shim-wazero/internal/reaper"
)

func TestRunSuccess(t *testing.T) {
	h := specs.Hook{Path: "/bin/true"}
	if err := Run([]specs.Hook{h}); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestRunFailure(t *testing.T) {
	h := specs.Hook{Path: "/bin/false"}
	if err := Run([]specs.Hook{h}); err == nil {
		t.Fatal("Run() = nil, want error for a nonzero exit hook")
	}
}

func TestWaitPidEchildOnClosedSubscription(t *testing.T) {
	sub := make(chan reaper.Exit)
	close(sub)
	if err := waitPid(1, sub); err != syscall.ECHILD {
		t.Fatalf("waitPid on closed channel = %v, want ECHILD", err)
	}
}

func TestWaitPidMatchesExit(t *testing.T) {
	sub := make(chan reaper.Exit, 1)
	sub <- reaper.Exit{Pid: 42}
	if err := waitPid(42, sub); err != nil {
		t.Fatalf("waitPid() = %v, want nil", err)
	}
}

func TestWaitPidTimesOutOnNoMatch(t *testing.T) {
	sub := make(chan reaper.Exit, 1)
	sub <- reaper.Exit{Pid: 999}
	start := time.Now()
	err := waitPid(42, sub)
	if err != syscall.ECHILD {
		t.Fatalf("waitPid() = %v, want ECHILD after timeout", err)
	}
	if time.Since(start) < pollTimeout {
		t.Fatal("waitPid returned before its poll timeout elapsed")
	}
}
