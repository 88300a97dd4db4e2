// Package engine defines the pluggable Wasm runtime capability that an
// Instance drives. A single built-in implementation, engine/wazero,
// ships with this module; out-of-tree engines (wasmtime, wasmedge,
// wasmer, hyperlight, in the original runwasi crate family) implement
// the same three-method surface.
package engine

import (
	"context"
	"io"

	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

// Stdio is the set of already-open stdio streams an engine must wire
// into the guest module. Streams are nil when the corresponding OCI
// process field wasn't set.
type Stdio struct {
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
	Stderr io.WriteCloser
}

// RunContext carries everything an engine needs to run or probe a
// container's entrypoint: the OCI bundle path, the pre-resolved Wasm
// layers (may be empty if the image wasn't recognized as Wasm), and the
// declared image platform.
type RunContext struct {
	Bundle    string
	RootfsDir string
	Args      []string
	Env       []string
	Layers    []wasmoci.Layer
	Platform  wasmoci.Platform

	// StartFunction is the exported function the engine should run
	// instead of the module's default entrypoint ("_start" for a WASI
	// command module). Empty means "use the engine's default".
	StartFunction string
}

// Engine is the capability an Instance drives to execute a WebAssembly
// module as the container's init process.
type Engine interface {
	// Name identifies the engine, used to namespace cache and root
	// directories (e.g. "wazero").
	Name() string

	// CanHandle reports whether this engine can run the entrypoint
	// described by ctx. It must be safe to call from a freshly spawned
	// goroutine/OS thread and must not block indefinitely.
	CanHandle(ctx context.Context, rc RunContext) error

	// RunWASI runs the entrypoint to completion and returns its exit
	// code. It blocks until the guest module returns or traps.
	RunWASI(ctx context.Context, rc RunContext, stdio Stdio) (uint32, error)
}
