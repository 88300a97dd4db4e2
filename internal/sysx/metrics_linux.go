//go:build linux

package sysx

import (
	cgroupsv2 "github.com/containerd/cgroups/v3/cgroup2"
	cgroupsstats "github.com/containerd/cgroups/v3/cgroup2/stats"
)

// ReadMetrics returns the cgroup v2 stats for the cgroup at path,
// grounded on containerd/cgroups/v3 usage the way zkoopmans-gvisor's
// runsc shim converts cgroup stats for its Stats RPC. A cgroup that
// can't be loaded (already torn down, not cgroup v2, permission denied)
// reports zero-value stats rather than failing the caller: Stats is
// always best-effort.
func ReadMetrics(path string) (*cgroupsstats.Metrics, error) {
	m, err := cgroupsv2.Load(path)
	if err != nil {
		return &cgroupsstats.Metrics{}, nil
	}
	stats, err := m.Stat()
	if err != nil {
		return &cgroupsstats.Metrics{}, nil
	}
	return stats, nil
}

// ReadMetricsForPid resolves pid's own cgroup v2 group path and reads
// its stats, the same pid-rooted lookup zkoopmans-gvisor's runsc shim
// uses (`cgroupsv2.PidGroupPath`) rather than requiring every caller to
// track a cgroup path of its own.
func ReadMetricsForPid(pid int) (*cgroupsstats.Metrics, error) {
	group, err := cgroupsv2.PidGroupPath(pid)
	if err != nil {
		return &cgroupsstats.Metrics{}, nil
	}
	return ReadMetrics(group)
}
