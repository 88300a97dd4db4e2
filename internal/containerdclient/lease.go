package containerdclient

import (
	"context"

	leasesapi "github.com/containerd/containerd/api/services/leases/v1"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/metadata"
)

// LeaseGuard pins content in containerd's garbage collector for the
// lifetime of an image pull. Callers must defer Close after a successful
// NewLease; Close is idempotent and only ever logs on failure, it never
// returns an error, matching the best-effort release policy the Rust
// Drop impl gets for free.
type LeaseGuard struct {
	client   *Client
	id       string
	released bool
}

// NewLease creates a lease scoped to the client's namespace.
func (c *Client) NewLease(ctx context.Context) (*LeaseGuard, error) {
	resp, err := c.leases.Create(c.withNamespace(ctx), &leasesapi.CreateRequest{})
	if err != nil {
		return nil, err
	}
	return &LeaseGuard{client: c, id: resp.Lease.ID}, nil
}

// ID returns the lease identifier.
func (g *LeaseGuard) ID() string {
	return g.id
}

// WithLease attaches this lease's id to ctx as the "containerd-lease" gRPC
// header, mirroring the Rust with_lease! macro so content reads made on
// the returned context are pinned against concurrent GC.
func (g *LeaseGuard) WithLease(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "containerd-lease", g.id)
}

// Close releases the lease. Failures are logged, not returned: a lease
// leak is a GC efficiency problem, not a correctness one, so it must
// never fail the caller's RPC.
func (g *LeaseGuard) Close() {
	if g == nil || g.released {
		return
	}
	g.released = true
	_, err := g.client.leases.Delete(g.client.withNamespace(context.Background()), &leasesapi.DeleteRequest{ID: g.id})
	if err != nil {
		logrus.WithError(err).WithField("lease", g.id).Warn("containerdclient: failed to release lease")
	}
}
