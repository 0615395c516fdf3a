package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ringlb/internal/provision"
	"ringlb/internal/transport"
)

// HTTPProber checks GET /heartbeat and requires 200.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates an HTTP heartbeat prober. Timeouts come from the probe context.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, h provision.Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+h.Addr+"/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat %s returned %d", h.Hostname, resp.StatusCode)
	}
	return nil
}

// GRPCProber checks the standard gRPC health service of a replica.
type GRPCProber struct {
	conns *transport.ConnPool
}

// NewGRPCProber creates a gRPC health prober sharing conns.
func NewGRPCProber(conns *transport.ConnPool) *GRPCProber {
	return &GRPCProber{conns: conns}
}

// Probe implements Prober.
func (p *GRPCProber) Probe(ctx context.Context, h provision.Handle) error {
	if h.GRPCAddr == "" {
		return fmt.Errorf("replica %s has no gRPC health address", h.Hostname)
	}
	conn, err := p.conns.Get(h.GRPCAddr)
	if err != nil {
		return err
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("replica %s health status %s", h.Hostname, resp.GetStatus())
	}
	return nil
}

// Forget drops the cached connection of a replica that left.
func (p *GRPCProber) Forget(h provision.Handle) {
	if h.GRPCAddr != "" {
		p.conns.Forget(h.GRPCAddr)
	}
}
