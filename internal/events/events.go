// Package events wraps containerd's remote events publisher, ported
// from cmd/containerd-shim-runhcs-v1/events.go's eventPublisher. Every
// publish call is best-effort from the caller's point of view: failures
// are logged and never propagate to an RPC response, per the task
// service's error-handling policy.
package events

import (
	"context"

	"github.com/containerd/containerd/v2/pkg/namespaces"
	shim "github.com/containerd/containerd/v2/pkg/shim"
	"github.com/sirupsen/logrus"
)

// Publisher is the narrow interface the task service depends on, so
// tests can substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, event interface{})
	Close() error
}

// remotePublisher publishes to containerd's ttrpc events sink over the
// address the shim was started with.
type remotePublisher struct {
	namespace string
	inner     *shim.RemoteEventsPublisher
}

// New dials containerd's event sink at address, scoping every publish to
// namespace.
func New(address, namespace string) (Publisher, error) {
	p, err := shim.NewPublisher(address)
	if err != nil {
		return nil, err
	}
	return &remotePublisher{namespace: namespace, inner: p}, nil
}

func (p *remotePublisher) Close() error {
	return p.inner.Close()
}

// Publish never returns an error: a failed publish is logged at Warn and
// otherwise swallowed, matching spec's "best effort, never fails the
// caller's RPC" policy. This deliberately diverges from
// zkoopmans-gvisor's runsc/service.go forward(), which panics on a
// publish failure — that behavior is a liveness bug this module does
// not reproduce.
func (p *remotePublisher) Publish(ctx context.Context, topic string, event interface{}) {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	if err := p.inner.Publish(ctx, topic, event); err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("events: failed to publish")
	}
}
