// Package executor decides, once per container, whether its entrypoint
// is a native Linux binary or a WebAssembly module the configured
// engine should run, and performs that dispatch.
//
// It is ported from sys/unix/container/executor.rs's Executor<E>, whose
// InnerExecutor enum this package's Kind mirrors. The one structural
// difference from the Rust original is forced by Go's runtime: the Rust
// executor runs its probe and its real invocation on a freshly spawned
// OS thread that then joins the container's namespaces directly
// (std::thread::scope + clone()). Go's goroutines are multiplexed over
// OS threads by the scheduler, so a goroutine cannot reliably keep
// itself pinned to one thread while that thread joins new Linux
// namespaces; runc's own libcontainer solves the identical problem by
// re-executing the calling binary as the container's init process
// inside the freshly created namespaces (see runc's "runc init" self
// re-exec). This package's Kind/Decide split is used both to decide the
// dispatch ahead of time (Validate, at create) and, in Instance.Start, to
// choose the init process's argv; the re-exec'd init entrypoint itself
// runs the engine directly and does not consult this package.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

// Kind is the memoized dispatch decision for a container's entrypoint.
type Kind int

const (
	// CantHandle means neither a native exec nor any configured engine
	// can run this entrypoint; Validate fails in this case.
	CantHandle Kind = iota
	Linux
	Wasm
)

func (k Kind) String() string {
	switch k {
	case Linux:
		return "linux"
	case Wasm:
		return "wasm"
	default:
		return "cant-handle"
	}
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}
var shebang = []byte{'#', '!'}

// Executor holds the one-time dispatch decision for a single container.
type Executor struct {
	Engine engine.Engine

	once      sync.Once
	kind      Kind
	decided   error
	rootBytes []byte // entrypoint file contents, when Kind == Wasm and no OCI layers supplied it
}

// New returns an Executor bound to eng; the dispatch decision is made
// lazily and cached on first Decide call.
func New(eng engine.Engine) *Executor {
	return &Executor{Engine: eng}
}

// Decide resolves and memoizes the Kind for rc, following the three-step
// procedure in order: an entrypoint backed by OCI Wasm layers is Wasm
// outright (the ELF probe is skipped); otherwise argv[0] is sniffed for
// an ELF/shebang signature inside the container's rootfs; otherwise the
// engine is asked whether it can handle the rootfs file at argv[0].
// CanHandle is invoked on a separately spawned goroutine and Decide
// waits for it to return, so the probe is synchronous from the caller's
// point of view: a probe that never returns blocks Decide.
func (e *Executor) Decide(ctx context.Context, rc engine.RunContext) (Kind, error) {
	e.once.Do(func() {
		if len(rc.Layers) > 0 {
			e.kind = Wasm
			return
		}

		path, resolveErr := resolveInRootfs(rc.RootfsDir, rc.Env, rc.Args)
		if resolveErr == nil && isLinuxBinary(path) {
			e.kind = Linux
			return
		}
		if resolveErr == nil {
			if data, readErr := os.ReadFile(path); readErr == nil {
				probe := rc
				probe.Layers = []wasmoci.Layer{{Bytes: data}}
				eg := errgroup.Group{}
				eg.Go(func() error { return e.Engine.CanHandle(ctx, probe) })
				if err := eg.Wait(); err == nil {
					e.kind = Wasm
					e.rootBytes = data
					return
				}
			}
		}

		e.kind = CantHandle
		e.decided = fmt.Errorf("executor: neither a native Linux entrypoint nor %s can handle this container", e.Engine.Name())
	})
	return e.kind, e.decided
}

// RootfsEntryBytes returns the entrypoint file's contents when Decide
// resolved Wasm by reading argv[0] out of the container's rootfs rather
// than from OCI layers; nil otherwise.
func (e *Executor) RootfsEntryBytes() []byte {
	return e.rootBytes
}

// Validate fails fast if Decide resolves to CantHandle, mirroring the
// Rust Executor::validate delegating to inner() and erroring on
// InnerExecutor::CantHandle.
func (e *Executor) Validate(ctx context.Context, rc engine.RunContext) error {
	_, err := e.Decide(ctx, rc)
	return err
}

// isLinuxBinary reports whether path is a regular file whose first bytes
// are an ELF header or a shebang line, the same two-signature sniff
// sys/unix/container/executor.rs performs.
func isLinuxBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 4)
	n, _ := f.Read(head)
	head = head[:n]
	return bytes.HasPrefix(head, elfMagic) || bytes.HasPrefix(head, shebang)
}

// resolveInRootfs resolves args[0] to an absolute host path inside the
// container's rootfs: an absolute or slash-containing arg0 is joined
// directly onto rootfsDir, a bare name is searched for across the
// container's own PATH (read from env, falling back to a conventional
// default), matching the "first executable file" rule (mode bit 0o001,
// i.e. world-execute, set) from the original Rust resolve_in_path.
func resolveInRootfs(rootfsDir string, env []string, args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return "", fmt.Errorf("executor: no entrypoint provided")
	}
	arg0 := args[0]

	if strings.Contains(arg0, "/") {
		candidate := filepath.Join(rootfsDir, arg0)
		if isExecutableFile(candidate) {
			return candidate, nil
		}
		return "", fmt.Errorf("executor: %s is not an executable file", arg0)
	}

	for _, dir := range pathDirs(env) {
		candidate := filepath.Join(rootfsDir, dir, arg0)
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executor: %s not found in PATH", arg0)
}

func pathDirs(env []string) []string {
	const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	path := defaultPath
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
			break
		}
	}
	return strings.Split(path, ":")
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o001 != 0
}
