// Package instance implements the per-container Instance abstraction:
// the engine-agnostic lifecycle (start/kill/delete/wait) that the Local
// task service drives, backed by a libcontainer sandbox whose init
// process is either the container's native entrypoint or a Wasm module
// run through the configured engine.
package instance

import "github.com/wazero-shim/containerd-shim-wazero/internal/engine"

// Config is the immutable-after-construction set of parameters an
// Instance is built from, ported from the Rust InstanceConfig<Engine>
// builder.
type Config struct {
	Engine            engine.Engine
	Namespace         string
	ContainerdAddress string

	Stdin  string
	Stdout string
	Stderr string
	Bundle string
}

// NewConfig returns a Config with the engine and identity fields set;
// stdio and bundle are filled in with the With* setters before first
// use, mirroring InstanceConfig::new followed by set_stdin/set_stdout/
// set_stderr/set_bundle.
func NewConfig(eng engine.Engine, namespace, containerdAddress string) *Config {
	return &Config{Engine: eng, Namespace: namespace, ContainerdAddress: containerdAddress}
}

func (c *Config) WithStdin(p string) *Config  { c.Stdin = p; return c }
func (c *Config) WithStdout(p string) *Config { c.Stdout = p; return c }
func (c *Config) WithStderr(p string) *Config { c.Stderr = p; return c }
func (c *Config) WithBundle(p string) *Config { c.Bundle = p; return c }
