package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	taskapi "github.com/containerd/containerd/api/runtime/task/v2"
	"github.com/containerd/ttrpc"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	wazeroengine "github.com/wazero-shim/containerd-shim-wazero/internal/engine/wazero"
	"github.com/wazero-shim/containerd-shim-wazero/internal/events"
	"github.com/wazero-shim/containerd-shim-wazero/internal/shimlog"
	"github.com/wazero-shim/containerd-shim-wazero/internal/task"
)

const gracefulShutdownTimeout = 5 * time.Second

// serveCommand is ported from cmd/containerd-shim-runhcs-v1/serve.go,
// adapted from Windows named pipes to a UNIX domain socket and from the
// HCS runtime backend to the Local task service in internal/task.
var serveCommand = cli.Command{
	Name:   "serve",
	Hidden: true,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "socket", Usage: "the socket path to serve"},
	},
	Action: func(ctx *cli.Context) error {
		if err := shimlog.Setup(nil, ""); err != nil {
			return err
		}
		if debugFlag {
			logrus.SetLevel(logrus.DebugLevel)
		}

		socket := ctx.String("socket")
		if socket == "" {
			return fmt.Errorf("serve: --socket is required")
		}

		pub, err := events.New(addressFlag, namespaceFlag)
		if err != nil {
			return fmt.Errorf("serve: failed to connect event publisher: %w", err)
		}
		defer pub.Close()

		eng, err := wazeroengine.New("")
		if err != nil {
			return fmt.Errorf("serve: failed to init wasm engine: %w", err)
		}

		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("serve: resolve self path: %w", err)
		}

		svc := task.NewLocal(eng, namespaceFlag, addressFlag, self, pub)
		task.SetShimPid(os.Getpid())

		s, err := ttrpc.NewServer()
		if err != nil {
			return err
		}
		defer s.Close()
		taskapi.RegisterTTRPCTaskService(s, svc)

		os.Remove(socket)
		l, err := net.Listen("unix", socket)
		if err != nil {
			return err
		}
		defer l.Close()

		svc.SetShutdownFunc(func(now bool) {
			if now {
				os.Exit(0)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
			defer cancel()
			s.Shutdown(shutdownCtx)
		})

		serrs := make(chan error, 1)
		go func() {
			serrs <- trapClosedConnErr(s.Serve(context.Background(), l))
		}()

		select {
		case err := <-serrs:
			return err
		case <-time.After(2 * time.Millisecond):
			os.Stdout.Close()
		}

		return <-serrs
	},
}

func trapClosedConnErr(err error) error {
	if err == nil || strings.Contains(err.Error(), "use of closed network connection") {
		return nil
	}
	return err
}
