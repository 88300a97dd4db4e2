// Package containerdclient talks to containerd's content, images,
// containers, and leases gRPC services to pull the Wasm OCI layers that
// make up a container's entrypoint.
//
// This mirrors jprendes/runwasi's containerd::client module: given a
// container id, resolve its image, read the manifest and config out of
// the content store, confirm the image targets the "wasm" platform
// architecture, and return the filtered set of Wasm layers.
package containerdclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	containersapi "github.com/containerd/containerd/api/services/containers/v1"
	contentapi "github.com/containerd/containerd/api/services/content/v1"
	imagesapi "github.com/containerd/containerd/api/services/images/v1"
	leasesapi "github.com/containerd/containerd/api/services/leases/v1"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wazero-shim/containerd-shim-wazero/internal/wasmoci"
)

// Client is a thin wrapper around the containerd gRPC services needed to
// resolve a container's Wasm layers.
type Client struct {
	namespace  string
	conn       *grpc.ClientConn
	containers containersapi.ContainersClient
	images     imagesapi.ImagesClient
	content    contentapi.ContentClient
	leases     leasesapi.LeasesClient
}

// Connect dials the containerd gRPC socket at address and scopes every
// subsequent call to namespace.
func Connect(ctx context.Context, address, namespace string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("containerdclient: dial %s: %w", address, err)
	}
	return &Client{
		namespace:  namespace,
		conn:       conn,
		containers: containersapi.NewContainersClient(conn),
		images:     imagesapi.NewImagesClient(conn),
		content:    contentapi.NewContentClient(conn),
		leases:     leasesapi.NewLeasesClient(conn),
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// LoadModules resolves containerID's image and returns every layer whose
// media type is in supportedMediaTypes (DefaultMediaTypes if empty),
// along with the image's declared platform. If the image does not
// target the Wasm platform, or no layer matches, it returns a nil slice
// and a non-error: the caller falls back to treating the container as a
// native rootfs.
func (c *Client) LoadModules(ctx context.Context, containerID string, supportedMediaTypes []string) ([]wasmoci.Layer, wasmoci.Platform, error) {
	ctx = c.withNamespace(ctx)

	lease, err := c.NewLease(ctx)
	if err != nil {
		logrus.WithError(err).WithField("container", containerID).Debug("containerdclient: proceeding without a GC lease")
	} else {
		defer lease.Close()
		ctx = lease.WithLease(ctx)
	}

	cr, err := c.containers.Get(ctx, &containersapi.GetContainerRequest{ID: containerID})
	if err != nil {
		return nil, wasmoci.Platform{}, fmt.Errorf("containerdclient: get container %s: %w", containerID, err)
	}
	imageName := cr.Container.Image
	if imageName == "" {
		return nil, wasmoci.Platform{}, errdefs.ErrNotFound
	}

	ir, err := c.images.Get(ctx, &imagesapi.GetImageRequest{Name: imageName})
	if err != nil {
		return nil, wasmoci.Platform{}, fmt.Errorf("containerdclient: get image %s: %w", imageName, err)
	}

	manifestBytes, err := c.readContent(ctx, ir.Image.Target.Digest, ir.Image.Target.Size)
	if err != nil {
		return nil, wasmoci.Platform{}, fmt.Errorf("containerdclient: read manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, wasmoci.Platform{}, fmt.Errorf("containerdclient: decode manifest: %w", err)
	}

	configBytes, err := c.readContent(ctx, manifest.Config.Digest, manifest.Config.Size)
	if err != nil {
		return nil, wasmoci.Platform{}, fmt.Errorf("containerdclient: read image config: %w", err)
	}
	platform, err := wasmoci.ParsePlatform(configBytes)
	if err != nil {
		return nil, wasmoci.Platform{}, fmt.Errorf("containerdclient: decode image config: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"container": containerID,
		"platform":  platforms.Format(platform),
	}).Debug("resolved image platform")
	if !wasmoci.IsWasmPlatform(platform) {
		logrus.WithField("container", containerID).Debug("manifest is not in WASM OCI image format")
		return nil, platform, nil
	}

	var layers []wasmoci.Layer
	for _, desc := range manifest.Layers {
		if !wasmoci.IsSupportedMediaType(desc.MediaType, supportedMediaTypes) {
			continue
		}
		b, err := c.readContent(ctx, desc.Digest, desc.Size)
		if err != nil {
			return nil, platform, fmt.Errorf("containerdclient: read layer %s: %w", desc.Digest, err)
		}
		layers = append(layers, wasmoci.Layer{Descriptor: desc, Bytes: b})
	}
	if len(layers) == 0 {
		logrus.WithField("container", containerID).Debug("no WASM layers found")
	}
	return layers, platform, nil
}

func (c *Client) readContent(ctx context.Context, dgst string, size int64) ([]byte, error) {
	stream, err := c.content.Read(ctx, &contentapi.ReadContentRequest{Digest: dgst, Offset: 0, Size: size})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, size)
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buf = append(buf, resp.Data...)
	}
	return buf, nil
}
