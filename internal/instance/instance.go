package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/runc/libcontainer"
	"github.com/opencontainers/runc/libcontainer/specconv"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/wazero-shim/containerd-shim-wazero/internal/containerdclient"
	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
	"github.com/wazero-shim/containerd-shim-wazero/internal/executor"
	"github.com/wazero-shim/containerd-shim-wazero/internal/sysx"
	"github.com/wazero-shim/containerd-shim-wazero/internal/waitcell"
	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

// WasmInitArg is the hidden subcommand cmd/containerd-shim-wazero-v1
// recognizes on its own argv[0]/argv[1] when re-exec'd as a container's
// init process to run a Wasm entrypoint. Using this binary itself as the
// init target is the Go-idiomatic replacement for the Rust Executor's
// in-process engine dispatch: libcontainer's container.Run always
// execve()s Process.Args[0] as PID 1 inside the new namespaces, so
// running a Wasm module there means that execve target has to be real
// executable code, and the simplest one grounded in this shim's own
// stack is the shim binary itself (the same trick runc uses for its own
// "runc init" re-exec).
const WasmInitArg = "__wasm_init__"

// defaultStartFunction is the WASI preview1 command-module entrypoint
// run when an OCI spec carries no startFunctionAnnotation.
const defaultStartFunction = "_start"

// wasmInitBinaryName and wasmEntryModuleName are the fixed paths, relative
// to the container's rootfs, this shim installs its own binary and the
// resolved Wasm entrypoint module under before starting a Wasm container.
// libcontainer's Process.Args[0] is resolved against the container's view
// of the filesystem after pivot_root, so both need to exist inside the
// rootfs tree itself rather than at their original host-side paths.
const (
	wasmInitBinaryName  = ".containerd-shim-wazero-init"
	wasmEntryModuleName = ".containerd-shim-wazero-entry.wasm"
)

// startFunctionAnnotation names the OCI spec annotation carrying the
// exported function a Wasm entrypoint should run instead of the
// module's default "_start", resolving spec.md §8 scenario 6's "custom
// entrypoint ... exported function foo specified as start function": a
// bundle's config.json sets this the same way it already sets the CRI
// sandbox-grouping annotation the Cli adapter reads in start.go.
const startFunctionAnnotation = "org.opencontainers.wasm.entry-function"

// ExitResult is the (code, timestamp) pair an Instance resolves once.
type ExitResult struct {
	Code uint32
	At   time.Time
}

// Instance is the engine-backed container lifecycle the Local task
// service drives: start, kill, delete, wait. Ported from
// sys/unix/container/instance.rs's Instance<E>.
type Instance struct {
	id         string
	cfg        *Config
	rootdir    string
	selfPath   string
	spec       *specs.Spec
	exec       *executor.Executor
	runContext engine.RunContext

	mu        sync.Mutex
	container libcontainer.Container
	stdio     *Stdio
	exitCell  *waitcell.Cell[ExitResult]
	pidfd     *sysx.PidFd
	pid       int

	// exitWatcher runs awaitExit; Delete waits on it so a concurrent
	// Delete can't race TryWait against the goroutine that sets exitCell.
	exitWatcher errgroup.Group
}

// New loads the container's OCI spec and, if its image is Wasm-shaped,
// its layers, then builds (but does not start) the libcontainer
// sandbox. selfPath is the absolute path to this shim's own binary,
// used as the re-exec target for Wasm entrypoints.
func New(ctx context.Context, id string, cfg *Config, selfPath string) (*Instance, error) {
	rootdir := determineRootdir(cfg.Engine.Name(), cfg.Namespace)
	if err := os.MkdirAll(rootdir, 0o711); err != nil {
		return nil, fmt.Errorf("instance: create rootdir: %w", err)
	}

	spec, err := loadOCISpec(cfg.Bundle)
	if err != nil {
		return nil, err
	}

	var layers []wasmoci.Layer
	var platform wasmoci.Platform
	if cc, connErr := containerdclient.Connect(ctx, cfg.ContainerdAddress, cfg.Namespace); connErr != nil {
		logrus.WithError(connErr).Warn("instance: failed to connect to containerd, assuming native rootfs")
	} else {
		layers, platform, err = cc.LoadModules(ctx, id, wasmoci.DefaultMediaTypes)
		cc.Close()
		if err != nil {
			logrus.WithError(err).Warn("instance: failed to load wasm modules, falling back to native rootfs")
			layers = nil
		}
	}

	var args, env []string
	if spec.Process != nil {
		args = spec.Process.Args
		env = spec.Process.Env
	}
	rc := engine.RunContext{
		Bundle:        cfg.Bundle,
		RootfsDir:     filepath.Join(cfg.Bundle, "rootfs"),
		Args:          args,
		Env:           env,
		Layers:        layers,
		Platform:      platform,
		StartFunction: spec.Annotations[startFunctionAnnotation],
	}

	exec := executor.New(cfg.Engine)
	if err := exec.Validate(ctx, rc); err != nil {
		return nil, err
	}

	lcConfig, err := specconv.CreateLibcontainerConfig(&specconv.CreateOpts{
		CgroupName:   id,
		NoNewKeyring: false,
		Spec:         spec,
		RootlessEUID: os.Geteuid() != 0,
	})
	if err != nil {
		return nil, fmt.Errorf("instance: build libcontainer config: %w", err)
	}

	factory, err := libcontainer.New(rootdir)
	if err != nil {
		return nil, fmt.Errorf("instance: new factory: %w", err)
	}
	container, err := factory.Create(id, lcConfig)
	if err != nil {
		return nil, fmt.Errorf("instance: create container %s: %w", id, err)
	}

	return &Instance{
		id:         id,
		cfg:        cfg,
		rootdir:    rootdir,
		selfPath:   selfPath,
		spec:       spec,
		exec:       exec,
		runContext: rc,
		container:  container,
		stdio:      NewStdio(cfg.Stdin, cfg.Stdout, cfg.Stderr),
		exitCell:   waitcell.New[ExitResult](),
	}, nil
}

// Start decides the entrypoint's Kind, arms the exit-code guard so the
// instance always reports an exit even if the fork/exec path itself
// fails, and starts the container's init process.
func (i *Instance) Start(ctx context.Context) (int, error) {
	guard := i.exitCell.SetGuardWith(func() ExitResult { return ExitResult{Code: 137, At: time.Now()} })
	defer guard.Close()

	kind, err := i.exec.Decide(ctx, i.runContext)
	if err != nil {
		return 0, err
	}

	if err := i.stdio.Open(ctx); err != nil {
		return 0, fmt.Errorf("instance: open stdio: %w", err)
	}

	args := i.runContext.Args
	if kind == executor.Wasm {
		moduleBytes := i.exec.RootfsEntryBytes()
		if len(i.runContext.Layers) > 0 {
			moduleBytes = i.runContext.Layers[len(i.runContext.Layers)-1].Bytes
		}
		modPath, err := i.writeEntryModule(moduleBytes)
		if err != nil {
			return 0, err
		}
		binPath, err := i.installInitBinary()
		if err != nil {
			return 0, err
		}
		startFunc := i.runContext.StartFunction
		if startFunc == "" {
			startFunc = defaultStartFunction
		}
		args = append([]string{binPath, WasmInitArg, i.id, modPath, startFunc}, i.runContext.Args...)
	}

	process := &libcontainer.Process{
		Args:   args,
		Env:    i.runContext.Env,
		Cwd:    "/",
		Init:   true,
		Stdin:  i.stdio.stdin,
		Stdout: i.stdio.stdout,
		Stderr: i.stdio.stderr,
	}

	i.mu.Lock()
	err = i.container.Run(process)
	i.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("instance: run: %w", err)
	}

	pid, err := process.Pid()
	if err != nil {
		return 0, fmt.Errorf("instance: read pid: %w", err)
	}
	i.pid = pid

	pidfd, err := sysx.OpenPidFd(pid)
	if err != nil {
		logrus.WithError(err).Warn("instance: pidfd_open unavailable, exit reporting degrades to guard fallback only")
	} else {
		i.pidfd = pidfd
		i.exitWatcher.Go(func() error {
			i.awaitExit(pid, pidfd)
			return nil
		})
		guard.Disarm()
	}

	return pid, nil
}

func (i *Instance) awaitExit(pid int, pidfd *sysx.PidFd) {
	defer pidfd.Close()
	ws, err := pidfd.Wait(pid)
	now := time.Now()
	if err != nil {
		logrus.WithError(err).WithField("pid", pid).Warn("instance: pidfd wait failed, reporting exit 137")
		_ = i.exitCell.Set(ExitResult{Code: 137, At: now})
		return
	}
	code := uint32(137)
	switch {
	case ws.Exited():
		code = uint32(ws.ExitStatus())
	case ws.Signaled():
		code = uint32(ws.Signal())
	}
	_ = i.exitCell.Set(ExitResult{Code: code, At: now})
}

// Kill signals the container's init process. all=true broadcasts to
// every process in the container's cgroup, matching container.Signal's
// second argument in the Rust original's kill(sig, all=true).
func (i *Instance) Kill(sig unix.Signal, all bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.container.Signal(sig, all)
}

// Delete tears the container down. Deleting an instance whose container
// state can no longer be loaded is a no-op, matching the Rust
// idempotent-delete behavior; a container that was built but never
// started reports Stopped and is destroyed. It
// waits for any in-flight awaitExit goroutine to finish first so a
// caller's immediately-following TryWait observes the same exit tuple
// this call forced, rather than racing the background watcher.
func (i *Instance) Delete() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	state, err := i.container.Status()
	if err != nil {
		_ = i.exitWatcher.Wait()
		return nil
	}
	if state == libcontainer.Stopped {
		err := i.container.Destroy()
		_ = i.exitWatcher.Wait()
		return err
	}
	if err := i.container.Signal(unix.SIGKILL, true); err != nil {
		logrus.WithError(err).Warn("instance: kill on delete failed")
	}
	err = i.container.Destroy()
	_ = i.exitWatcher.Wait()
	return err
}

// Wait blocks until the instance exits.
func (i *Instance) Wait(ctx context.Context) (ExitResult, error) {
	return i.exitCell.Wait(ctx)
}

// TryWait returns the exit result without blocking, matching
// wait_with_timeout(Duration::ZERO).
func (i *Instance) TryWait() (ExitResult, bool) {
	return i.exitCell.TryGet()
}

func (i *Instance) Pid() int { return i.pid }

// writeEntryModule writes the resolved Wasm module's bytes into the
// container's own rootfs (not the libcontainer state directory) and
// returns the path as the re-exec'd init process will see it after
// pivot_root: an absolute path rooted at "/".
func (i *Instance) writeEntryModule(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("instance: wasm dispatch chosen with no module bytes available")
	}
	path := filepath.Join(i.runContext.RootfsDir, wasmEntryModuleName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("instance: write entry module: %w", err)
	}
	return "/" + wasmEntryModuleName, nil
}

// installInitBinary copies this shim's own executable into the
// container's rootfs so libcontainer's post-pivot_root execve of
// Process.Args[0] can find it: the host path this process was launched
// from is not otherwise visible once pivot_root has replaced "/".
func (i *Instance) installInitBinary() (string, error) {
	self, err := os.ReadFile(i.selfPath)
	if err != nil {
		return "", fmt.Errorf("instance: read shim binary %s: %w", i.selfPath, err)
	}
	dst := filepath.Join(i.runContext.RootfsDir, wasmInitBinaryName)
	if err := os.WriteFile(dst, self, 0o755); err != nil {
		return "", fmt.Errorf("instance: install init binary: %w", err)
	}
	return "/" + wasmInitBinaryName, nil
}

func determineRootdir(engineName, namespace string) string {
	return filepath.Join("/run/containerd", engineName, namespace)
}

// LoadSpec reads and decodes a bundle's config.json. Exported so the
// task package can re-read a container's OCI spec to run its prestart
// hooks without this package having to own hook execution itself.
func LoadSpec(bundle string) (*specs.Spec, error) {
	return loadOCISpec(bundle)
}

func loadOCISpec(bundle string) (*specs.Spec, error) {
	b, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("instance: read config.json: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("instance: decode config.json: %w", err)
	}
	return &spec, nil
}
