package wazero

import (
	"bytes"
	"context"
	"testing"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

// The modules below are hand-assembled WASM binaries (no wasm toolchain is
// available in this environment) built from the same uleb128/section
// helpers the Go spec uses to describe the format, exercising spec.md §8's
// wazero-driven end-to-end scenarios: hello-world, exit-code, unreachable,
// and custom entrypoint.

func uleb(n uint32) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func wvec(entries ...[]byte) []byte {
	out := uleb(uint32(len(entries)))
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

func wsection(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func wname(s string) []byte {
	return append(uleb(uint32(len(s))), []byte(s)...)
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint32(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint32(len(results)))...)
	return append(out, results...)
}

func importEntry(module, field string, typeIdx uint32) []byte {
	out := wname(module)
	out = append(out, wname(field)...)
	out = append(out, 0x00) // func import kind
	return append(out, uleb(typeIdx)...)
}

func exportEntry(nm string, kind byte, idx uint32) []byte {
	out := wname(nm)
	out = append(out, kind)
	return append(out, uleb(idx)...)
}

func codeBody(instrs []byte) []byte {
	content := append([]byte{0x00}, instrs...) // 0 local decls
	content = append(content, 0x0B)             // end
	return append(uleb(uint32(len(content))), content...)
}

const i32 = byte(0x7f)

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// buildTrapModule is a module exporting "_start" whose body is a single
// unreachable instruction, for spec.md §8 scenario 4.
func buildTrapModule() []byte {
	typeSec := wsection(1, wvec(funcType(nil, nil)))
	funcSec := wsection(3, wvec(uleb(0)))
	exportSec := wsection(7, wvec(exportEntry("_start", 0x00, 0)))
	codeSec := wsection(10, wvec(codeBody([]byte{0x00}))) // unreachable

	var m []byte
	m = append(m, wasmHeader...)
	m = append(m, typeSec...)
	m = append(m, funcSec...)
	m = append(m, exportSec...)
	m = append(m, codeSec...)
	return m
}

// buildExitCodeModule imports wasi_snapshot_preview1.proc_exit and calls it
// with the given code from "_start", for spec.md §8 scenario 3.
func buildExitCodeModule(code byte) []byte {
	typeSec := wsection(1, wvec(
		funcType([]byte{i32}, nil), // type0: proc_exit(i32)
		funcType(nil, nil),         // type1: _start()
	))
	importSec := wsection(2, wvec(importEntry("wasi_snapshot_preview1", "proc_exit", 0)))
	funcSec := wsection(3, wvec(uleb(1))) // _start uses type1
	exportSec := wsection(7, wvec(exportEntry("_start", 0x00, 1)))
	instrs := []byte{0x41, code, 0x10, 0x00} // i32.const code; call 0 (proc_exit)
	codeSec := wsection(10, wvec(codeBody(instrs)))

	var m []byte
	m = append(m, wasmHeader...)
	m = append(m, typeSec...)
	m = append(m, importSec...)
	m = append(m, funcSec...)
	m = append(m, exportSec...)
	m = append(m, codeSec...)
	return m
}

// buildHelloWorldModule imports wasi_snapshot_preview1.fd_write, exports
// linear memory, and writes "hello world\n" to fd 1 from the function
// named by entryName, for spec.md §8 scenarios 2 (entryName "_start") and
// 6 (entryName "foo", a non-default start function).
func buildHelloWorldModule(entryName string) []byte {
	const msg = "hello world\n"

	typeSec := wsection(1, wvec(
		funcType([]byte{i32, i32, i32, i32}, []byte{i32}), // type0: fd_write
		funcType(nil, nil),                                // type1: entry()
	))
	importSec := wsection(2, wvec(importEntry("wasi_snapshot_preview1", "fd_write", 0)))
	funcSec := wsection(3, wvec(uleb(1))) // entry uses type1
	memSec := wsection(5, wvec([]byte{0x00, 0x01}))
	exportSec := wsection(7, wvec(
		exportEntry("memory", 0x02, 0),
		exportEntry(entryName, 0x00, 1),
	))

	// Linear memory layout: iovec{ptr:u32=8, len:u32=len(msg)} at 0,
	// the message bytes at 8, the fd_write nwritten result at 20.
	var data []byte
	data = append(data, le32(8)...)
	data = append(data, le32(uint32(len(msg)))...)
	data = append(data, []byte(msg)...)
	dataSeg := append([]byte{0x00, 0x41, 0x00, 0x0B}, append(uleb(uint32(len(data))), data...)...)
	dataSec := wsection(11, wvec(dataSeg))

	// fd=1 (stdout), iovs=0, iovs_len=1, nwritten=20; call fd_write; drop result.
	instrs := []byte{
		0x41, 0x01, // i32.const 1
		0x41, 0x00, // i32.const 0
		0x41, 0x01, // i32.const 1
		0x41, 0x14, // i32.const 20
		0x10, 0x00, // call 0 (fd_write)
		0x1A, // drop
	}
	codeSec := wsection(10, wvec(codeBody(instrs)))

	var m []byte
	m = append(m, wasmHeader...)
	m = append(m, typeSec...)
	m = append(m, importSec...)
	m = append(m, funcSec...)
	m = append(m, memSec...)
	m = append(m, exportSec...)
	m = append(m, codeSec...)
	m = append(m, dataSec...)
	return m
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

type writeNopCloser struct{ *bytes.Buffer }

func (writeNopCloser) Close() error { return nil }

func runModule(t *testing.T, modBytes []byte, startFunc string) (uint32, string, error) {
	t.Helper()
	eng, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	var out bytes.Buffer
	rc := engine.RunContext{
		Bundle:        t.TempDir(),
		Layers:        []wasmoci.Layer{{Bytes: modBytes}},
		StartFunction: startFunc,
	}
	stdio := engine.Stdio{Stdout: writeNopCloser{&out}}
	code, err := eng.RunWASI(context.Background(), rc, stdio)
	return code, out.String(), err
}

// TestRunWASIHelloWorld is spec.md §8 scenario 2.
func TestRunWASIHelloWorld(t *testing.T) {
	code, out, err := runModule(t, buildHelloWorldModule("_start"), "")
	if err != nil {
		t.Fatalf("RunWASI() = %v", err)
	}
	if code != 0 {
		t.Fatalf("RunWASI() code = %d, want 0", code)
	}
	if out != "hello world\n" {
		t.Fatalf("RunWASI() stdout = %q, want %q", out, "hello world\n")
	}
}

// TestRunWASIExitCode is spec.md §8 scenario 3.
func TestRunWASIExitCode(t *testing.T) {
	code, _, err := runModule(t, buildExitCodeModule(42), "")
	if err != nil {
		t.Fatalf("RunWASI() = %v", err)
	}
	if code != 42 {
		t.Fatalf("RunWASI() code = %d, want 42", code)
	}
}

// TestRunWASIUnreachable is spec.md §8 scenario 4: the exit code is
// implementation-defined but must not be zero.
func TestRunWASIUnreachable(t *testing.T) {
	code, _, err := runModule(t, buildTrapModule(), "")
	if err == nil && code == 0 {
		t.Fatal("a trapping module must not report a zero exit code")
	}
}

// TestRunWASICustomEntrypoint is spec.md §8 scenario 6: a module with no
// "_start" export, run via its "foo" export named through
// RunContext.StartFunction.
func TestRunWASICustomEntrypoint(t *testing.T) {
	code, out, err := runModule(t, buildHelloWorldModule("foo"), "foo")
	if err != nil {
		t.Fatalf("RunWASI() = %v", err)
	}
	if code != 0 {
		t.Fatalf("RunWASI() code = %d, want 0", code)
	}
	if out != "hello world\n" {
		t.Fatalf("RunWASI() stdout = %q, want %q", out, "hello world\n")
	}
}
