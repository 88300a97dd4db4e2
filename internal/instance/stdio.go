package instance

import (
	"context"
	"io"
	"syscall"

	"github.com/containerd/fifo"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
)

// Stdio opens the three OCI stdio paths containerd creates as named
// pipes before invoking Create, using containerd/fifo the same way
// upstream shims do so reads/writes don't block the calling goroutine
// past its context's cancellation.
type Stdio struct {
	StdinPath  string
	StdoutPath string
	StderrPath string

	stdin  io.ReadCloser
	stdout io.WriteCloser
	stderr io.WriteCloser
}

// NewStdio captures the three paths without opening them yet; opening
// happens in Open, once, right before the entrypoint needs them.
func NewStdio(stdin, stdout, stderr string) *Stdio {
	return &Stdio{StdinPath: stdin, StdoutPath: stdout, StderrPath: stderr}
}

// Open opens each configured fifo path. Empty paths are left nil.
func (s *Stdio) Open(ctx context.Context) error {
	if s.StdinPath != "" {
		f, err := fifo.OpenFifo(ctx, s.StdinPath, syscall.O_RDONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			return err
		}
		s.stdin = f
	}
	if s.StdoutPath != "" {
		f, err := fifo.OpenFifo(ctx, s.StdoutPath, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			return err
		}
		s.stdout = f
	}
	if s.StderrPath != "" {
		f, err := fifo.OpenFifo(ctx, s.StderrPath, syscall.O_WRONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			return err
		}
		s.stderr = f
	}
	return nil
}

// Take hands the opened streams to an engine.Stdio, consuming them: a
// second call to Take returns all-nil, matching the "stdio can only be
// redirected once" rule the Rust Stdio::take enforces.
func (s *Stdio) Take() engine.Stdio {
	out := engine.Stdio{Stdin: s.stdin, Stdout: s.stdout, Stderr: s.stderr}
	s.stdin, s.stdout, s.stderr = nil, nil, nil
	return out
}

// Close closes whichever streams are still held (i.e. were never
// Take()n).
func (s *Stdio) Close() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
}
