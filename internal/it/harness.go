// Package it holds end-to-end tests that run the balancer in-process over
// real replica processes.
package it

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"ringlb/internal/api"
	"ringlb/internal/health"
	"ringlb/internal/membership"
	"ringlb/internal/provision"
	"ringlb/internal/ring"
	"ringlb/internal/router"
	"ringlb/internal/transport"
)

// ReplicaBinaryEnv overrides the replica binary used by the harness.
const ReplicaBinaryEnv = "RINGLB_REPLICA_BIN"

// Options configures a Cluster.
type Options struct {
	BasePort  int
	GRPC      bool
	Interval  time.Duration
	MaxMissed int
}

// Cluster is a balancer wired over replica processes.
type Cluster struct {
	Ring     *ring.Ring
	Members  *membership.Manager
	Detector *health.Detector
	LB       *httptest.Server

	prov  *provision.ProcessProvisioner
	conns *transport.ConnPool
}

// ReplicaBinary returns the replica binary path, or an error if it has not been built.
func ReplicaBinary() (string, error) {
	path := os.Getenv(ReplicaBinaryEnv)
	if path == "" {
		path = "./replica"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("binary not found at %s, build it first with 'go build -o %s ./cmd/replica'", path, path)
	}
	return filepath.Abs(path)
}

// NewCluster starts a balancer whose replicas are spawned from binaryPath.
func NewCluster(binaryPath string, opts Options) (*Cluster, error) {
	if opts.BasePort == 0 {
		opts.BasePort = 47001
	}
	if opts.Interval == 0 {
		opts.Interval = 100 * time.Millisecond
	}

	r, err := ring.NewRing(ring.DefaultSlots, ring.DefaultVNodes)
	if err != nil {
		return nil, err
	}

	prov := provision.NewProcessProvisioner(provision.ProcessConfig{
		BinaryPath: binaryPath,
		BasePort:   opts.BasePort,
		PortCount:  100,
		GRPC:       opts.GRPC,
		LogDir:     filepath.Join(".local", "it-logs"),
	})

	members, err := membership.NewManager(r, prov)
	if err != nil {
		return nil, err
	}

	conns := transport.NewConnPool()
	var prober health.Prober = health.NewHTTPProber()
	if opts.GRPC {
		prober = health.NewGRPCProber(conns)
	}
	detector := health.NewDetector(members, prober, health.Config{
		Interval:  opts.Interval,
		Timeout:   200 * time.Millisecond,
		MaxMissed: opts.MaxMissed,
	})

	rt := router.New(r, members, transport.NewHTTPGateway(2*time.Second))
	lb := httptest.NewServer(api.NewServer(r, members, rt, detector))

	return &Cluster{
		Ring:     r,
		Members:  members,
		Detector: detector,
		LB:       lb,
		prov:     prov,
		conns:    conns,
	}, nil
}

// Start bootstraps n replicas and starts the failure detector.
func (c *Cluster) Start(ctx context.Context, n int) error {
	if err := c.Members.Bootstrap(ctx, n, nil); err != nil {
		return err
	}
	c.Detector.Start()
	return nil
}

// KillReplica kills replica id behind the balancer's back.
func (c *Cluster) KillReplica(id int) error {
	pid, ok := c.prov.Pid(id)
	if !ok {
		return fmt.Errorf("replica %d not running", id)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// Stop shuts everything down.
func (c *Cluster) Stop() {
	c.LB.Close()
	c.Detector.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.prov.StopAll(ctx)
	c.conns.Close()
}
