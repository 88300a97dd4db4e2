//go:build linux

package sysx

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mount describes one rootfs entry exactly as containerd's task-service
// Create request carries it: a type, source, target, and mount options.
type Mount struct {
	Type    string
	Source  string
	Target  string
	Options []string
}

// MountAll mounts every entry in order, unmounting everything already
// mounted if a later entry fails, mirroring zkoopmans-gvisor's
// runsc/service.go use of mount.Mount with a cleanup.Make rollback.
func MountAll(mounts []Mount) (err error) {
	mounted := make([]string, 0, len(mounts))
	defer func() {
		if err != nil {
			UnmountAll(mounted)
		}
	}()
	for _, m := range mounts {
		var flags uintptr
		var data string
		flags, data = parseMountOptions(m.Options)
		if mountErr := unix.Mount(m.Source, m.Target, m.Type, flags, data); mountErr != nil {
			return fmt.Errorf("sysx: mount %s on %s: %w", m.Source, m.Target, mountErr)
		}
		mounted = append(mounted, m.Target)
	}
	return nil
}

// UnmountAll lazily unmounts every target, logging nothing: it is only
// called from MountAll's own rollback, where unmount failures are
// inherently best-effort.
func UnmountAll(targets []string) {
	for i := len(targets) - 1; i >= 0; i-- {
		_ = unix.Unmount(targets[i], unix.MNT_DETACH)
	}
}

func parseMountOptions(options []string) (uintptr, string) {
	var flags uintptr
	var data []string
	for _, o := range options {
		switch o {
		case "ro":
			flags |= unix.MS_RDONLY
		case "bind":
			flags |= unix.MS_BIND
		case "rbind":
			flags |= unix.MS_BIND | unix.MS_REC
		default:
			data = append(data, o)
		}
	}
	joined := ""
	for i, d := range data {
		if i > 0 {
			joined += ","
		}
		joined += d
	}
	return flags, joined
}
