package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrAlreadyStopped is returned when stopping a replica that is not running.
	ErrAlreadyStopped = errors.New("replica already stopped")
	// ErrUnknownHost is returned by StaticProvisioner for hostnames it has no address for.
	ErrUnknownHost = errors.New("no address for hostname")
)

// Handle identifies a running replica instance.
type Handle struct {
	ID       int
	Hostname string
	Addr     string // HTTP host:port
	GRPCAddr string // gRPC health host:port, empty if not served
}

// Provisioner starts and stops replica instances.
// Stop on an instance that is not running must return ErrAlreadyStopped.
type Provisioner interface {
	Start(ctx context.Context, id int, hostname string, env map[string]string) (Handle, error)
	Stop(ctx context.Context, id int) error
}

// StaticProvisioner hands out pre-existing replica addresses by hostname.
// It is used for replicas managed outside this process.
type StaticProvisioner struct {
	mu      sync.Mutex
	addrs   map[string]Handle
	running map[int]Handle
}

// NewStaticProvisioner creates a provisioner over hostname -> address pairs.
func NewStaticProvisioner(addrs map[string]string) *StaticProvisioner {
	p := &StaticProvisioner{
		addrs:   make(map[string]Handle, len(addrs)),
		running: make(map[int]Handle),
	}
	for host, addr := range addrs {
		p.addrs[host] = Handle{Hostname: host, Addr: addr}
	}
	return p
}

// Register adds or replaces the address of hostname. grpcAddr may be empty.
func (p *StaticProvisioner) Register(hostname, addr, grpcAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs[hostname] = Handle{Hostname: hostname, Addr: addr, GRPCAddr: grpcAddr}
}

// Start binds id to the address registered for hostname.
func (p *StaticProvisioner) Start(ctx context.Context, id int, hostname string, env map[string]string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.addrs[hostname]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
	}
	if _, exists := p.running[id]; exists {
		return Handle{}, fmt.Errorf("replica %d already started", id)
	}
	h.ID = id
	p.running[id] = h
	return h, nil
}

// Stop releases id. The external instance itself is left untouched.
func (p *StaticProvisioner) Stop(ctx context.Context, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.running[id]; !exists {
		return fmt.Errorf("%w: %d", ErrAlreadyStopped, id)
	}
	delete(p.running, id)
	return nil
}
