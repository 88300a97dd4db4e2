// Command containerd-shim-wazero-v1 is a containerd runtime v2 shim
// that runs WebAssembly modules (and, where the bundle's entrypoint is a
// native Linux binary, ordinary containers) through a pure-Go wazero
// runtime. Its CLI shape is ported from
// cmd/containerd-shim-runhcs-v1/main.go, and its binary-name dispatch
// (shim / shim-client / daemon) from the Rust sandbox/cli.rs.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/wazero-shim/containerd-shim-wazero/internal/manager"
)

const (
	runtimeName = "wazero"

	// version/revision are overwritten at link time via -ldflags, the
	// same mechanism hcsshim's main.go relies on.
	version  = "0.0.0-dev"
	revision = ""
)

var (
	namespaceFlag string
	idFlag        string
	bundleFlag    string
	addressFlag   string
	publishFlag   string
	debugFlag     bool
)

func main() {
	if isWasmInitInvocation(os.Args) {
		runWasmInit(os.Args)
		return
	}

	argv0 := filepath.Base(os.Args[0])
	if dispatchErr := dispatchByBinaryName(argv0); dispatchErr != nil {
		fmt.Fprintln(os.Stderr, dispatchErr)
		os.Exit(1)
	}
}

// dispatchByBinaryName mirrors sandbox/cli.rs's shim_main: the same
// binary plays three roles depending on how containerd invoked it.
func dispatchByBinaryName(argv0 string) error {
	lower := strings.ToLower(argv0)
	shimCli := fmt.Sprintf("containerd-shim-%s-v1", runtimeName)
	shimDaemon := fmt.Sprintf("containerd-%sd", runtimeName)

	switch {
	case lower == shimCli || strings.HasPrefix(lower, "containerd-shim-"+runtimeName):
		return runShimCli()
	case lower == shimDaemon:
		return fmt.Errorf("containerd-shim-wazero-v1: manager/daemon mode is not implemented by this build (socket would be %s)", manager.DefaultSocketPath)
	default:
		return runShimCli()
	}
}

func runShimCli() error {
	app := cli.NewApp()
	app.Name = "containerd-shim-wazero-v1"
	app.Usage = "containerd shim v2 runtime for WebAssembly workloads"
	app.Version = fmt.Sprintf("%s.%s", version, revision)
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "namespace", Usage: "namespace for the container", Destination: &namespaceFlag},
		cli.StringFlag{Name: "address", Usage: "grpc address back to containerd", Destination: &addressFlag},
		cli.StringFlag{Name: "publish-binary", Usage: "path to publish the binary to", Destination: &publishFlag},
		cli.StringFlag{Name: "id", Usage: "id of the task", Destination: &idFlag},
		cli.StringFlag{Name: "bundle", Usage: "path to the OCI bundle", Destination: &bundleFlag},
		cli.BoolFlag{Name: "debug", Usage: "enable debug output", Destination: &debugFlag},
	}
	app.Before = func(ctx *cli.Context) error {
		if ctx.Args().First() == "start" {
			return nil
		}
		if namespaceFlag == "" {
			return fmt.Errorf("shim namespace cannot be empty")
		}
		if addressFlag == "" {
			return fmt.Errorf("shim containerd address cannot be empty")
		}
		if idFlag == "" {
			return fmt.Errorf("shim id cannot be empty")
		}
		return nil
	}
	app.Commands = []cli.Command{
		startCommand,
		deleteCommand,
		serveCommand,
	}
	// urfave/cli handles --version itself before Before or Action run, so
	// the banner is installed as its version printer.
	cli.VersionPrinter = func(*cli.Context) {
		fmt.Println(filepath.Base(os.Args[0]) + ":")
		fmt.Println("  Runtime:", runtimeName)
		fmt.Println("  Version:", version)
		fmt.Println("  Revision:", revision)
	}
	app.Action = func(ctx *cli.Context) error {
		return cli.ShowAppHelp(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("containerd-shim-wazero-v1: fatal error")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return nil
}
