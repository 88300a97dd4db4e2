package instance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
)

func TestLoadOCISpec(t *testing.T) {
	dir := t.TempDir()
	const doc = `{"ociVersion":"1.0.0","process":{"args":["/bin/echo","hi"],"env":["FOO=bar"]}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadSpec(dir)
	if err != nil {
		t.Fatalf("LoadSpec() = %v", err)
	}
	if spec.Process == nil || len(spec.Process.Args) != 2 || spec.Process.Args[0] != "/bin/echo" {
		t.Fatalf("LoadSpec() process args = %+v", spec.Process)
	}
}

func TestLoadOCISpecMissingFile(t *testing.T) {
	if _, err := LoadSpec(t.TempDir()); err == nil {
		t.Fatal("expected an error reading a bundle with no config.json")
	}
}

func TestLoadOCISpecMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSpec(dir); err == nil {
		t.Fatal("expected an error decoding malformed config.json")
	}
}

func TestDetermineRootdir(t *testing.T) {
	got := determineRootdir("wazero", "default")
	want := filepath.Join("/run/containerd", "wazero", "default")
	if got != want {
		t.Fatalf("determineRootdir() = %s, want %s", got, want)
	}
}

func TestWriteEntryModule(t *testing.T) {
	dir := t.TempDir()
	i := &Instance{runContext: engine.RunContext{RootfsDir: dir}}

	path, err := i.writeEntryModule([]byte("\x00asm"))
	if err != nil {
		t.Fatalf("writeEntryModule() = %v", err)
	}
	if path != "/"+wasmEntryModuleName {
		t.Fatalf("writeEntryModule() path = %s, want /%s", path, wasmEntryModuleName)
	}
	got, err := os.ReadFile(filepath.Join(dir, wasmEntryModuleName))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "\x00asm" {
		t.Fatalf("writeEntryModule() wrote %q, want %q", got, "\x00asm")
	}
}

func TestWriteEntryModuleRejectsEmptyBytes(t *testing.T) {
	i := &Instance{runContext: engine.RunContext{RootfsDir: t.TempDir()}}
	if _, err := i.writeEntryModule(nil); err == nil {
		t.Fatal("expected an error when no module bytes were resolved")
	}
}

func TestInstallInitBinary(t *testing.T) {
	selfDir := t.TempDir()
	selfPath := filepath.Join(selfDir, "shim")
	if err := os.WriteFile(selfPath, []byte("fake-elf-binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	rootfs := t.TempDir()
	i := &Instance{selfPath: selfPath, runContext: engine.RunContext{RootfsDir: rootfs}}

	path, err := i.installInitBinary()
	if err != nil {
		t.Fatalf("installInitBinary() = %v", err)
	}
	if path != "/"+wasmInitBinaryName {
		t.Fatalf("installInitBinary() path = %s, want /%s", path, wasmInitBinaryName)
	}
	info, err := os.Stat(filepath.Join(rootfs, wasmInitBinaryName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatal("installed init binary must be executable")
	}
}

func TestExitResultZeroValue(t *testing.T) {
	var r ExitResult
	if r.Code != 0 || !r.At.IsZero() {
		t.Fatalf("zero ExitResult = %+v, want {0, zero time}", r)
	}
}
