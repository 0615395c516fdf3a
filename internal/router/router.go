package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ringlb/internal/provision"
	"ringlb/internal/ring"
	"ringlb/internal/transport"
)

// ErrNoReplicasAvailable is returned when the ring has no active replica.
var ErrNoReplicasAvailable = errors.New("no replicas available")

// Gateway sends a request to a resolved replica.
type Gateway interface {
	Send(ctx context.Context, h provision.Handle, req *transport.Request) (*transport.Response, error)
}

// Resolver maps replica ids to handles.
type Resolver interface {
	Handle(id int) (provision.Handle, bool)
}

// Router routes requests over a ring.
type Router struct {
	ring     *ring.Ring
	replicas Resolver
	gateway  Gateway
}

// New creates a router.
func New(r *ring.Ring, replicas Resolver, gw Gateway) *Router {
	return &Router{ring: r, replicas: replicas, gateway: gw}
}

// Resolve returns the handle of the replica owning key.
func (rt *Router) Resolve(key uint64) (provision.Handle, error) {
	// A replica can leave between the ring read and the handle read; the
	// second lookup sees the ring without it.
	for attempt := 0; attempt < 2; attempt++ {
		id, ok := rt.ring.Lookup(key)
		if !ok {
			return provision.Handle{}, ErrNoReplicasAvailable
		}
		if h, ok := rt.replicas.Handle(id); ok {
			return h, nil
		}
	}
	return provision.Handle{}, fmt.Errorf("%w: replica for key %d left during routing", transport.ErrReplicaUnreachable, key)
}

// Route forwards req to the replica owning key and returns its response.
// On ErrEndpointNotFound the replica's response is returned with the error.
func (rt *Router) Route(ctx context.Context, key uint64, req *transport.Request) (*transport.Response, provision.Handle, error) {
	h, err := rt.Resolve(key)
	if err != nil {
		return nil, provision.Handle{}, err
	}

	resp, err := rt.gateway.Send(ctx, h, req)
	if err != nil && errors.Is(err, transport.ErrReplicaUnreachable) {
		log.Printf("[router] %s (id=%d) unreachable for key %d: %v", h.Hostname, h.ID, key, err)
	}
	return resp, h, err
}
