package task

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wazero-shim/containerd-shim-wazero/internal/instance"
)

// Instance is the lifecycle surface Data drives. *instance.Instance
// satisfies it in production; tests substitute a fake so Local's
// create/start/wait/delete sequencing can be exercised without a real
// libcontainer sandbox, the same seam hcsshim's own shimTask interface
// (cmd/containerd-shim-runhcs-v1/task.go) and its testShimTask fake
// (task_test.go) provide for that service's task lifecycle tests.
type Instance interface {
	Start(ctx context.Context) (int, error)
	Kill(sig unix.Signal, all bool) error
	Delete() error
	Wait(ctx context.Context) (instance.ExitResult, error)
	TryWait() (instance.ExitResult, bool)
	Pid() int
}

var _ Instance = (*instance.Instance)(nil)

// Data composes an Instance with the task state machine guarding it.
// One lock is held across every wrapped Start, Kill and Delete call
// (Wait and TryWait call the Instance without it), per the
// "never hold the map lock across a syscall, do hold the per-instance
// lock across it" rule: the Local service only ever holds its map lock
// long enough to copy out a *Data pointer.
type Data struct {
	ID string

	mu    sync.Mutex
	state State
	inst  Instance
}

// NewData wraps inst in a Created-state Data.
func NewData(id string, inst Instance) *Data {
	return &Data{ID: id, state: Created, inst: inst}
}

// State returns the current state under lock.
func (d *Data) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pid returns the instance's pid, or 0 before Start.
func (d *Data) Pid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inst.Pid()
}

// Start transitions Created -> Starting, runs the instance, and
// transitions to Running on success or to Exited on failure so the
// task remains deletable rather than stuck.
func (d *Data) Start(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.state.transition(eventStart); err != nil {
		return 0, err
	}
	pid, err := d.inst.Start(ctx)
	if err != nil {
		d.state, _ = d.state.transition(eventStop)
		return 0, err
	}
	d.state, _ = d.state.transition(eventStarted)
	return pid, nil
}

// Kill signals the instance. Per the task-state DAG a kill is only
// legal while the task is Running; any other state is a
// FailedPrecondition, matching "(any) --kill--> (unchanged if Running
// else error)".
func (d *Data) Kill(sig unix.Signal, all bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.state.transition(eventKill); err != nil {
		return err
	}
	return d.inst.Kill(sig, all)
}

// Delete transitions to Deleting and tears the instance down. A failed
// teardown still moves the task to Exited rather than leaving it stuck
// in Deleting, matching InstanceData's documented "on Err transition to
// Exited to prevent stuck states" behavior.
func (d *Data) Delete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.state.transition(eventDelete); err != nil {
		return err
	}
	if err := d.inst.Delete(); err != nil {
		d.state = Exited
		return err
	}
	return nil
}

// Wait blocks for the instance's exit and records the Exited state.
func (d *Data) Wait(ctx context.Context) (instance.ExitResult, error) {
	res, err := d.inst.Wait(ctx)
	if err != nil {
		return res, err
	}
	d.mu.Lock()
	d.state, _ = d.state.transition(eventExit)
	d.mu.Unlock()
	return res, nil
}

// TryWait returns the exit result without blocking, and the elapsed
// flag reporting whether the cell has actually been set.
func (d *Data) TryWait() (instance.ExitResult, bool) {
	return d.inst.TryWait()
}

// ExitedAt reports when an already-exited task exited, or the zero
// time if it has not.
func (d *Data) ExitedAt() time.Time {
	res, ok := d.inst.TryWait()
	if !ok {
		return time.Time{}
	}
	return res.At
}
