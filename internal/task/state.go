// Package task implements the per-container task state machine and the
// Local task service that multiplexes every container this shim process
// hosts, ported from sandbox/shim/local.rs and instance_data.rs.
package task

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// State is the lifecycle of a single task, matching the DAG: Created ->
// Starting -> Running -> Exited, with Deleting reachable only from
// Created or Exited.
type State int

const (
	Created State = iota
	Starting
	Running
	Deleting
	Exited
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Deleting:
		return "deleting"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// event is the operation attempting a transition.
type event int

const (
	eventStart event = iota
	eventStarted
	eventStop
	eventDelete
	eventExit
	eventKill
)

// transition validates and applies one edge of the state DAG. Illegal
// edges return errdefs.ErrFailedPrecondition, surfaced as the ttrpc
// FailedPrecondition status at the RPC boundary.
func (s State) transition(e event) (State, error) {
	switch e {
	case eventStart:
		if s != Created {
			return s, fmt.Errorf("%w: cannot start a task in state %s", errdefs.ErrFailedPrecondition, s)
		}
		return Starting, nil
	case eventStarted:
		if s != Starting {
			return s, fmt.Errorf("%w: cannot mark started a task in state %s", errdefs.ErrFailedPrecondition, s)
		}
		return Running, nil
	case eventStop:
		// Used by Data.Start when Start fails after the Starting
		// transition; the edge from Running is accepted as well. Either
		// way the task lands in Exited rather than a state that looks
		// like it can still be started or is still alive.
		if s != Starting && s != Running {
			return s, fmt.Errorf("%w: cannot stop a task in state %s", errdefs.ErrFailedPrecondition, s)
		}
		return Exited, nil
	case eventDelete:
		if s != Created && s != Exited {
			return s, fmt.Errorf("%w: cannot delete a task in state %s", errdefs.ErrFailedPrecondition, s)
		}
		return Deleting, nil
	case eventExit:
		return Exited, nil
	case eventKill:
		if s != Running {
			return s, fmt.Errorf("%w: cannot signal a task in state %s", errdefs.ErrFailedPrecondition, s)
		}
		return s, nil
	default:
		return s, fmt.Errorf("%w: unknown transition event", errdefs.ErrFailedPrecondition)
	}
}
