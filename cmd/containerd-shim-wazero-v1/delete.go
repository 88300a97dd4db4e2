package main

import (
	"os"
	"path/filepath"
	"time"

	taskapi "github.com/containerd/containerd/api/runtime/task/v2"
	"github.com/urfave/cli"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// deleteCommand is invoked by containerd to clean up a bundle directory
// after the shim process itself is gone (e.g. following a crash), per
// the runtime v2 contract: it mirrors hcsshim's delete command's intent,
// writing a protobuf-encoded DeleteResponse to stdout rather than its
// HCS-specific cleanup. Per spec, the default reported exit status for
// a shim that can no longer be reached is 137 (as if force-killed) at
// the current time.
var deleteCommand = cli.Command{
	Name: "delete",
	Action: func(ctx *cli.Context) error {
		if bundleFlag != "" {
			for _, f := range []string{"shim.pid", "address", "socket"} {
				_ = os.Remove(filepath.Join(bundleFlag, f))
			}
		}

		data, err := proto.Marshal(&taskapi.DeleteResponse{
			ExitedAt:   timestamppb.New(time.Now()),
			ExitStatus: 137,
		})
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}
