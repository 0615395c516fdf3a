package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const (
	defaultBasePort     = 5001
	defaultPortCount    = 1000
	defaultReadyTimeout = 10 * time.Second
	readyPollInterval   = 100 * time.Millisecond
)

// ProcessConfig configures how replica processes are spawned.
type ProcessConfig struct {
	BinaryPath string
	// Args are passed before the generated --id/--listen/--grpc flags.
	Args []string
	Host string
	// BasePort and PortCount bound the ports handed to replicas. Ports are
	// returned to the pool when a replica stops.
	BasePort  int
	PortCount int
	// GRPC makes each replica also serve gRPC health on a second pooled port.
	GRPC         bool
	LogDir       string
	ReadyTimeout time.Duration
}

type replicaProc struct {
	handle  Handle
	cmd     *exec.Cmd
	logFile *os.File
	ports   []int
	done    chan struct{}
}

// ProcessProvisioner runs each replica as a child process of the balancer.
type ProcessProvisioner struct {
	cfg    ProcessConfig
	client *http.Client
	ports  *portPool

	mu    sync.Mutex
	procs map[int]*replicaProc
}

// NewProcessProvisioner creates a provisioner spawning cfg.BinaryPath per replica.
func NewProcessProvisioner(cfg ProcessConfig) *ProcessProvisioner {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = defaultBasePort
	}
	if cfg.PortCount <= 0 {
		cfg.PortCount = defaultPortCount
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(".local", "replica-logs")
	}
	return &ProcessProvisioner{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Second},
		ports:  newPortPool(cfg.BasePort, cfg.PortCount),
		procs:  make(map[int]*replicaProc),
	}
}

// Start spawns the replica process for id and waits until its heartbeat answers.
func (p *ProcessProvisioner) Start(ctx context.Context, id int, hostname string, env map[string]string) (Handle, error) {
	p.mu.Lock()
	if _, exists := p.procs[id]; exists {
		p.mu.Unlock()
		return Handle{}, fmt.Errorf("replica %d already started", id)
	}
	p.mu.Unlock()

	ports, err := p.acquirePorts()
	if err != nil {
		return Handle{}, err
	}
	h := Handle{
		ID:       id,
		Hostname: hostname,
		Addr:     net.JoinHostPort(p.cfg.Host, strconv.Itoa(ports[0])),
	}
	args := append([]string(nil), p.cfg.Args...)
	args = append(args, "--id", strconv.Itoa(id), "--listen", h.Addr)
	if p.cfg.GRPC {
		h.GRPCAddr = net.JoinHostPort(p.cfg.Host, strconv.Itoa(ports[1]))
		args = append(args, "--grpc", h.GRPCAddr)
	}

	if err := os.MkdirAll(p.cfg.LogDir, 0755); err != nil {
		p.ports.release(ports...)
		return Handle{}, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.Create(logPath(p.cfg.LogDir, id, hostname))
	if err != nil {
		p.ports.release(ports...)
		return Handle{}, fmt.Errorf("failed to create log file: %w", err)
	}

	// Not CommandContext: the replica outlives the join request.
	cmd := exec.Command(p.cfg.BinaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "SERVER_ID="+strconv.Itoa(id), "SERVER_HOSTNAME="+hostname)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		p.ports.release(ports...)
		return Handle{}, fmt.Errorf("failed to start replica %s: %w", hostname, err)
	}

	rp := &replicaProc{handle: h, cmd: cmd, logFile: logFile, ports: ports, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(rp.done)
	}()

	if err := p.waitForReady(ctx, rp); err != nil {
		cmd.Process.Kill()
		<-rp.done
		logFile.Close()
		p.ports.release(ports...)
		return Handle{}, fmt.Errorf("replica %s failed to become ready: %w", hostname, err)
	}

	p.mu.Lock()
	p.procs[id] = rp
	p.mu.Unlock()

	log.Printf("[provision] Started %s (id=%d pid=%d) on %s", hostname, id, cmd.Process.Pid, h.Addr)
	return h, nil
}

// Stop kills the replica process for id and reaps it.
func (p *ProcessProvisioner) Stop(ctx context.Context, id int) error {
	p.mu.Lock()
	rp, exists := p.procs[id]
	delete(p.procs, id)
	p.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %d", ErrAlreadyStopped, id)
	}
	defer rp.logFile.Close()
	// Ports go back only once the process can no longer hold them.
	defer func() {
		select {
		case <-rp.done:
			p.ports.release(rp.ports...)
		default:
		}
	}()

	if !p.running(ctx, rp) {
		<-rp.done
		return fmt.Errorf("%w: %s exited on its own", ErrAlreadyStopped, rp.handle.Hostname)
	}

	if err := rp.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill replica %s: %w", rp.handle.Hostname, err)
	}
	select {
	case <-rp.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	log.Printf("[provision] Stopped %s (id=%d)", rp.handle.Hostname, id)
	return nil
}

// Pid returns the process id of replica id, if it was started here.
func (p *ProcessProvisioner) Pid(id int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rp, ok := p.procs[id]
	if !ok {
		return 0, false
	}
	return rp.cmd.Process.Pid, true
}

// StopAll stops every running replica. Used on balancer shutdown.
func (p *ProcessProvisioner) StopAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.procs))
	for id := range p.procs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Stop(ctx, id); err != nil {
			log.Printf("[provision] Stop %d: %v", id, err)
		}
	}
}

// running reports whether the replica process is still alive. A process that
// exited but has not been reaped yet shows up as a zombie and counts as gone.
func (p *ProcessProvisioner) running(ctx context.Context, rp *replicaProc) bool {
	select {
	case <-rp.done:
		return false
	default:
	}
	proc, err := process.NewProcessWithContext(ctx, int32(rp.cmd.Process.Pid))
	if err != nil {
		return !errors.Is(err, process.ErrorProcessNotRunning)
	}
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		// Unknown; assume running and let Kill decide.
		return true
	}
	return alive(status)
}

func alive(status []string) bool {
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func (p *ProcessProvisioner) acquirePorts() ([]int, error) {
	n := 1
	if p.cfg.GRPC {
		n = 2
	}
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		port, err := p.ports.acquire()
		if err != nil {
			p.ports.release(ports...)
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// logPath keeps replica logs inside dir whatever the hostname looks like.
func logPath(dir string, id int, hostname string) string {
	name := filepath.Base(hostname)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		name = fmt.Sprintf("replica-%d", id)
	}
	return filepath.Join(dir, name+".log")
}

// waitForReady polls the replica heartbeat until it answers 200.
func (p *ProcessProvisioner) waitForReady(ctx context.Context, rp *replicaProc) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	url := "http://" + rp.handle.Addr + "/heartbeat"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rp.done:
			return fmt.Errorf("process exited before becoming ready")
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout after %s", p.cfg.ReadyTimeout)
			}
			resp, err := p.client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
