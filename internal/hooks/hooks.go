// Package hooks runs OCI prestart hooks, ported from
// containerd-shim-hyperlight/src/shim/hooks.rs's run_hooks. Each hook is
// spawned with a subscription to the pid reaper already in place before
// it starts, given the shim's own pid over stdin as state JSON, and
// waited on with a bounded poll so a hook that never signals its exit
// can't hang task creation forever.
package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/wazero-shim/containerd-shim-wazero/internal/reaper"
)

// pollTimeout is how long Run waits, per iteration, for a hook's exit to
// appear on the reaper subscription before giving up with ECHILD.
const pollTimeout = 2 * time.Second

// Run executes every hook in order, stopping at the first error.
func Run(hooks []specs.Hook) error {
	for _, h := range hooks {
		if err := runOne(h); err != nil {
			return err
		}
	}
	return nil
}

type state struct {
	Pid int `json:"pid"`
}

func runOne(h specs.Hook) error {
	argv0 := h.Path
	var args []string
	if len(h.Args) > 0 {
		argv0 = h.Args[0]
		args = h.Args[1:]
	}

	cmd := exec.Command(h.Path, args...)
	cmd.Args = append([]string{argv0}, args...)
	cmd.Env = sanitizeEnv(h.Env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("hooks: stdin pipe: %w", err)
	}

	sub := reaper.Subscribe()
	defer reaper.Unsubscribe(sub)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("hooks: start %s: %w", h.Path, err)
	}

	payload, _ := json.Marshal(state{Pid: os.Getpid()})
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, syscall.EPIPE) {
			_ = cmd.Process.Kill()
			return fmt.Errorf("hooks: write state to %s: %w", h.Path, err)
		}
	}
	_ = stdin.Close()

	return waitPid(cmd.Process.Pid, sub)
}

// waitPid polls sub for pid's exit, giving up with ECHILD if the
// subscription is closed out from under it, or if a full pollTimeout
// window elapses with no event at all. Every received event — matching
// or not — restarts the window, mirroring the Rust original's
// recv_timeout loop where an unrelated reaped pid doesn't count against
// the deadline.
func waitPid(pid int, sub chan reaper.Exit) error {
	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return syscall.ECHILD
			}
			if e.Pid != pid {
				continue
			}
			if e.Status.Exited() && e.Status.ExitStatus() != 0 {
				return fmt.Errorf("hooks: hook pid %d exited with status %d", pid, e.Status.ExitStatus())
			}
			return nil
		case <-time.After(pollTimeout):
			return syscall.ECHILD
		}
	}
}

func sanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			continue
		}
		out = append(out, kv[:idx]+"="+kv[idx+1:])
	}
	return out
}
