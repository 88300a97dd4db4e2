package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

type fakeEngine struct {
	canHandle bool
}

func (f *fakeEngine) Name() string { return "fake" }
func (f *fakeEngine) CanHandle(ctx context.Context, rc engine.RunContext) error {
	if f.canHandle {
		return nil
	}
	return context.DeadlineExceeded
}
func (f *fakeEngine) RunWASI(ctx context.Context, rc engine.RunContext, stdio engine.Stdio) (uint32, error) {
	return 0, nil
}

func writeExecutable(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecideLinuxELF(t *testing.T) {
	dir := t.TempDir()
	path := writeExecutable(t, dir, "prog", append([]byte{0x7f, 'E', 'L', 'F'}, 0, 0, 0, 0))
	e := New(&fakeEngine{})
	kind, err := e.Decide(context.Background(), engine.RunContext{Args: []string{path}})
	if err != nil || kind != Linux {
		t.Fatalf("Decide() = %v, %v, want Linux, nil", kind, err)
	}
}

func TestDecideLinuxShebang(t *testing.T) {
	dir := t.TempDir()
	path := writeExecutable(t, dir, "script.sh", []byte("#!/bin/sh\necho hi\n"))
	e := New(&fakeEngine{})
	kind, err := e.Decide(context.Background(), engine.RunContext{Args: []string{path}})
	if err != nil || kind != Linux {
		t.Fatalf("Decide() = %v, %v, want Linux, nil", kind, err)
	}
}

func TestDecideWasm(t *testing.T) {
	e := New(&fakeEngine{canHandle: true})
	rc := engine.RunContext{
		Args:   []string{"does-not-exist-on-disk"},
		Layers: []wasmoci.Layer{{Bytes: []byte{0x00, 'a', 's', 'm'}}},
	}
	kind, err := e.Decide(context.Background(), rc)
	if err != nil || kind != Wasm {
		t.Fatalf("Decide() = %v, %v, want Wasm, nil", kind, err)
	}
}

func TestDecideCantHandle(t *testing.T) {
	e := New(&fakeEngine{canHandle: false})
	rc := engine.RunContext{Args: []string{"does-not-exist-on-disk"}}
	kind, err := e.Decide(context.Background(), rc)
	if err == nil || kind != CantHandle {
		t.Fatalf("Decide() = %v, %v, want CantHandle, err", kind, err)
	}
}

func TestDecideIsMemoized(t *testing.T) {
	dir := t.TempDir()
	path := writeExecutable(t, dir, "module.wasm", []byte{0x00, 'a', 's', 'm'})

	calls := 0
	fe := &countingEngine{calls: &calls}
	e := New(fe)
	rc := engine.RunContext{Args: []string{path}}
	for i := 0; i < 3; i++ {
		if _, err := e.Decide(context.Background(), rc); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Fatalf("engine.CanHandle called %d times, want 1", calls)
	}
}

// TestDecideWasmFromRootfsFile exercises the third decision step: no OCI
// layers are supplied, argv[0] doesn't look like an ELF/shebang, but the
// engine accepts the file's bytes, so it decides Wasm and remembers them
// for the caller to use as the entrypoint module.
func TestDecideWasmFromRootfsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte{0x00, 'a', 's', 'm', 1, 2, 3}
	path := writeExecutable(t, dir, "module.wasm", content)

	e := New(&fakeEngine{canHandle: true})
	kind, err := e.Decide(context.Background(), engine.RunContext{Args: []string{path}})
	if err != nil || kind != Wasm {
		t.Fatalf("Decide() = %v, %v, want Wasm, nil", kind, err)
	}
	if got := e.RootfsEntryBytes(); string(got) != string(content) {
		t.Fatalf("RootfsEntryBytes() = %v, want %v", got, content)
	}
}

// TestDecideOCILayerSkipsCanHandle confirms step 1 short-circuits
// straight to Wasm without ever probing the engine, per spec: an OCI
// Wasm layer entrypoint is Wasm outright.
func TestDecideOCILayerSkipsCanHandle(t *testing.T) {
	calls := 0
	fe := &countingEngine{calls: &calls}
	e := New(fe)
	rc := engine.RunContext{Args: []string{"does-not-exist"}, Layers: []wasmoci.Layer{{Bytes: []byte{0}}}}
	kind, err := e.Decide(context.Background(), rc)
	if err != nil || kind != Wasm {
		t.Fatalf("Decide() = %v, %v, want Wasm, nil", kind, err)
	}
	if calls != 0 {
		t.Fatalf("engine.CanHandle called %d times, want 0", calls)
	}
}

func TestValidateFailsOnCantHandle(t *testing.T) {
	e := New(&fakeEngine{canHandle: false})
	rc := engine.RunContext{Args: []string{"does-not-exist-on-disk"}}
	if err := e.Validate(context.Background(), rc); err == nil {
		t.Fatal("Validate() should fail when Decide resolves to CantHandle")
	}
}

func TestValidateSucceedsOnWasm(t *testing.T) {
	e := New(&fakeEngine{canHandle: true})
	rc := engine.RunContext{Layers: []wasmoci.Layer{{Bytes: []byte{0x00, 'a', 's', 'm'}}}}
	if err := e.Validate(context.Background(), rc); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

type countingEngine struct {
	calls *int
}

func (c *countingEngine) Name() string { return "counting" }
func (c *countingEngine) CanHandle(ctx context.Context, rc engine.RunContext) error {
	*c.calls++
	return nil
}
func (c *countingEngine) RunWASI(ctx context.Context, rc engine.RunContext, stdio engine.Stdio) (uint32, error) {
	return 0, nil
}
