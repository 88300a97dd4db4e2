package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
	wazeroengine "github.com/wazero-shim/containerd-shim-wazero/internal/engine/wazero"
	"github.com/wazero-shim/containerd-shim-wazero/internal/instance"
	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

// runWasmInit is entered when this binary is re-exec'd by libcontainer
// as a container's init process for a Wasm entrypoint (see
// instance.WasmInitArg). By the time this runs, it IS the container's
// PID 1: namespaces, cgroup, rootfs, and stdio are already in place, so
// this just loads the module and blocks until it exits.
//
// argv layout: [self, "__wasm_init__", containerID, modulePath, startFunction, args...]
func runWasmInit(argv []string) {
	if len(argv) < 5 {
		fmt.Fprintln(os.Stderr, "containerd-shim-wazero-v1: malformed wasm init invocation")
		os.Exit(127)
	}
	modulePath := argv[3]
	startFunc := argv[4]
	moduleArgs := argv[5:]

	modBytes, err := os.ReadFile(modulePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "containerd-shim-wazero-v1: read module: %v\n", err)
		os.Exit(127)
	}

	eng, err := wazeroengine.New("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "containerd-shim-wazero-v1: init engine: %v\n", err)
		os.Exit(127)
	}

	rc := engine.RunContext{
		Args:          moduleArgs,
		Env:           os.Environ(),
		Layers:        []wasmoci.Layer{{Bytes: modBytes}},
		StartFunction: startFunc,
	}
	stdio := engine.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}

	logrus.WithField("module", modulePath).Debug("running wasm entrypoint as container init")
	code, err := eng.RunWASI(context.Background(), rc, stdio)
	if err != nil {
		logrus.WithError(err).Error("wasm entrypoint failed")
		os.Exit(137)
	}
	os.Exit(int(code))
}

func isWasmInitInvocation(argv []string) bool {
	return len(argv) > 1 && argv[1] == instance.WasmInitArg
}
