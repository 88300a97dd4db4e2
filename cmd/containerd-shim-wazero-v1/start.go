package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/urfave/cli"
)

const (
	sandboxIDAnnotation  = "io.kubernetes.cri.sandbox-id"
	containerTypeAnno    = "io.kubernetes.cri.container-type"
	containerTypeSandbox = "sandbox"
)

// startCommand is ported from cmd/containerd-shim-runhcs-v1/start.go:
// resolve whether this task belongs to an already-running CRI sandbox
// group and, if not, exec a fresh `serve` child, writing its address
// back to containerd over stdout.
var startCommand = cli.Command{
	Name: "start",
	Action: func(ctx *cli.Context) error {
		annotations, err := readBundleAnnotations(bundleFlag)
		if err != nil {
			return err
		}

		groupID := idFlag
		if sbID, ok := annotations[sandboxIDAnnotation]; ok && annotations[containerTypeAnno] != containerTypeSandbox {
			groupID = sbID
		}

		address, err := shim.SocketAddress(context.Background(), addressFlag, groupID)
		if err != nil {
			return err
		}

		if conn, dialErr := net.Dial("unix", address); dialErr == nil {
			conn.Close()
			fmt.Fprint(os.Stdout, address)
			return nil
		}

		self, err := os.Executable()
		if err != nil {
			return err
		}
		cmd := exec.Command(self, "-namespace", namespaceFlag, "-address", addressFlag,
			"-publish-binary", publishFlag, "-id", idFlag, "serve", "--socket", address)
		cmd.Dir = bundleFlag
		cmd.Stdin = nil
		cmd.Stdout = nil
		r, w, err := os.Pipe()
		if err != nil {
			return err
		}
		cmd.Stderr = w
		if err := cmd.Start(); err != nil {
			w.Close()
			return err
		}
		w.Close()

		if err := shim.WritePidFile(filepath.Join(bundleFlag, "shim.pid"), cmd.Process.Pid); err != nil {
			return err
		}
		if err := shim.WriteAddress(filepath.Join(bundleFlag, "address"), address); err != nil {
			return err
		}

		go func() {
			buf := make([]byte, 4096)
			n, _ := r.Read(buf)
			if n > 0 {
				fmt.Fprintln(os.Stderr, string(buf[:n]))
			}
		}()

		fmt.Fprint(os.Stdout, address)
		return nil
	},
}

func readBundleAnnotations(bundle string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Join(bundle, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("start: read config.json: %w", err)
	}
	var doc struct {
		Annotations map[string]string `json:"annotations"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("start: decode config.json: %w", err)
	}
	return doc.Annotations, nil
}
