// Package manager names the not-yet-implemented multiplexing daemon
// mode's well-known socket, resolving the third spec Open Question
// (parameterize rather than hardcode the manager socket path) without
// building the manager's multiplexing body, which stays out of scope.
package manager

// DefaultSocketPath is the well-known address the manager daemon would
// bind, in the naming convention cli.rs uses for the other two modes.
const DefaultSocketPath = "unix:///run/io.containerd.wazero.v1/manager.sock"
