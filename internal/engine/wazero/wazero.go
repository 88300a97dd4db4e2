// Package wazero implements engine.Engine on top of tetratelabs/wazero,
// a pure-Go WebAssembly runtime with no cgo dependency. It is the one
// engine this module ships; it plays the role the original runwasi
// crate family split across wasmtime/wasmedge/wasmer/hyperlight crates.
package wazero

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	wz "github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
)

const name = "wazero"

// maxCacheEntries bounds the on-disk compilation cache; entries beyond
// this count are evicted oldest-mtime-first on Engine construction. This
// is a deliberate, documented choice for an otherwise unspecified
// eviction policy, not the only valid one.
const maxCacheEntries = 64

// Engine adapts wazero's runtime to engine.Engine. A single Engine value
// is shared by every Instance in the shim process, and so is its
// compilation cache directory (cacheDir), whose path does not depend on
// the wazero version.
type Engine struct {
	runtimeConfig wz.RuntimeConfig
	cacheDir      string
}

// New builds an Engine with a compilation cache rooted at cacheDir
// (created if missing) and evicts old entries beyond maxCacheEntries.
func New(cacheDir string) (*Engine, error) {
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "containerd-shim-wazero-v1", "cache")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("wazero: create cache dir: %w", err)
	}
	evictOldCacheEntries(cacheDir, maxCacheEntries)

	cache, err := wz.NewCompilationCacheWithDir(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("wazero: open compilation cache: %w", err)
	}
	cfg := wz.NewRuntimeConfig().WithCompilationCache(cache)
	return &Engine{runtimeConfig: cfg, cacheDir: cacheDir}, nil
}

func (e *Engine) Name() string { return name }

// CanHandle compiles the first module byte-checked as Wasm to confirm
// this engine can actually run it; a module that fails to validate here
// means the Executor must fall through rather than attempt RunWASI.
func (e *Engine) CanHandle(ctx context.Context, rc engine.RunContext) error {
	if len(rc.Layers) == 0 {
		return fmt.Errorf("wazero: no wasm layers supplied")
	}
	rt := wz.NewRuntimeWithConfig(ctx, e.runtimeConfig)
	defer rt.Close(ctx)
	if _, err := rt.CompileModule(ctx, rc.Layers[0].Bytes); err != nil {
		return fmt.Errorf("wazero: module does not compile: %w", err)
	}
	return nil
}

// RunWASI compiles and instantiates only the last supplied layer, as a
// WASI preview1 module and the entrypoint, and returns its exit code;
// earlier layers are not instantiated.
func (e *Engine) RunWASI(ctx context.Context, rc engine.RunContext, stdio engine.Stdio) (uint32, error) {
	if len(rc.Layers) == 0 {
		return 137, fmt.Errorf("wazero: no wasm layers supplied")
	}

	rt := wz.NewRuntimeWithConfig(ctx, e.runtimeConfig)
	defer rt.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return 137, fmt.Errorf("wazero: instantiate wasi: %w", err)
	}

	startFunc := rc.StartFunction
	if startFunc == "" {
		startFunc = "_start"
	}
	modCfg := wz.NewModuleConfig().
		WithArgs(rc.Args...).
		WithEnv(splitEnv(rc.Env)...).
		WithFSConfig(wz.NewFSConfig().WithDirMount(rc.Bundle, "/")).
		WithStartFunctions(startFunc)

	if stdio.Stdin != nil {
		modCfg = modCfg.WithStdin(stdio.Stdin)
	}
	if stdio.Stdout != nil {
		modCfg = modCfg.WithStdout(stdio.Stdout)
	}
	if stdio.Stderr != nil {
		modCfg = modCfg.WithStderr(stdio.Stderr)
	}

	entry := rc.Layers[len(rc.Layers)-1]
	compiled, err := rt.CompileModule(ctx, entry.Bytes)
	if err != nil {
		return 137, fmt.Errorf("wazero: compile module: %w", err)
	}

	_, err = rt.InstantiateModule(ctx, compiled, modCfg)
	if err == nil {
		return 0, nil
	}
	if code, ok := exitCodeFromError(err); ok {
		return code, nil
	}
	return 137, fmt.Errorf("wazero: module trapped: %w", err)
}

func splitEnv(env []string) []string {
	// wazero's WithEnv wants alternating key, value pairs; OCI env is
	// "KEY=VALUE" strings.
	out := make([]string, 0, len(env)*2)
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out = append(out, kv[:i], kv[i+1:])
				break
			}
		}
	}
	return out
}

func exitCodeFromError(err error) (uint32, bool) {
	type exitCoder interface {
		ExitCode() uint32
	}
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode(), true
	}
	return 0, false
}

func evictOldCacheEntries(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= keep {
		return
	}
	type fi struct {
		name    string
		modTime time.Time
	}
	files := make([]fi, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fi{e.Name(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for i := 0; i < len(files)-keep; i++ {
		if err := os.RemoveAll(filepath.Join(dir, files[i].name)); err != nil {
			logrus.WithError(err).WithField("entry", files[i].name).Warn("wazero: failed to evict cache entry")
		}
	}
}
