package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"ringlb/internal/ring"
)

// Probe transports understood by the failure detector.
const (
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
)

// StaticReplica is a replica run outside the balancer, reached at Addr.
type StaticReplica struct {
	Hostname string
	Addr     string
}

// Config holds the load balancer configuration.
type Config struct {
	ListenAddr string
	Slots      int
	VNodes     int
	Replicas   int
	Hostnames  []string

	ReplicaBinary   string
	ReplicaBasePort int
	ReplicaPorts    int
	ReplicaLogDir   string
	ReplicaEnv      map[string]string

	// StaticReplicas switches the balancer to pre-existing replicas
	// instead of spawning them.
	StaticReplicas []StaticReplica

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	MaxMissed     int
	Probe         string

	ForwardTimeout time.Duration
	JournalDir     string
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ListenAddr:      ":5000",
		Slots:           ring.DefaultSlots,
		VNodes:          ring.DefaultVNodes,
		Replicas:        3,
		ReplicaBinary:   "./replica",
		ReplicaBasePort: 5001,
		ReplicaPorts:    1000,
		ReplicaLogDir:   ".local/replica-logs",
		ProbeInterval:   2 * time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		MaxMissed:       3,
		Probe:           ProbeHTTP,
		ForwardTimeout:  5 * time.Second,
		JournalDir:      ".local/journal",
	}
}

// Load parses command line flags. Each flag falls back to an LB_* environment
// variable, and then to Default.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default()
	var hostnames, static, replicaEnv string

	fs := flag.NewFlagSet("lb", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	env := envLookup{getenv: getenv}

	fs.StringVar(&c.ListenAddr, "listen", env.str("LB_LISTEN", c.ListenAddr), "address to listen on")
	fs.IntVar(&c.Slots, "slots", env.integer("LB_SLOTS", c.Slots), "number of ring slots")
	fs.IntVar(&c.VNodes, "vnodes", env.integer("LB_VNODES", c.VNodes), "virtual nodes per replica")
	fs.IntVar(&c.Replicas, "replicas", env.integer("LB_REPLICAS", c.Replicas), "replicas to start at boot")
	fs.StringVar(&hostnames, "hostnames", env.str("LB_HOSTNAMES", ""), "comma separated hostnames for the boot replicas")
	fs.StringVar(&c.ReplicaBinary, "replica-bin", env.str("LB_REPLICA_BIN", c.ReplicaBinary), "replica binary path")
	fs.IntVar(&c.ReplicaBasePort, "replica-base-port", env.integer("LB_REPLICA_BASE_PORT", c.ReplicaBasePort), "first port handed to spawned replicas")
	fs.IntVar(&c.ReplicaPorts, "replica-ports", env.integer("LB_REPLICA_PORTS", c.ReplicaPorts), "size of the replica port range")
	fs.StringVar(&c.ReplicaLogDir, "replica-logs", env.str("LB_REPLICA_LOGS", c.ReplicaLogDir), "directory for replica logs")
	fs.StringVar(&replicaEnv, "replica-env", env.str("LB_REPLICA_ENV", ""), "extra environment for spawned replicas (KEY=value,...)")
	fs.StringVar(&static, "static-replicas", env.str("LB_STATIC_REPLICAS", ""), "use running replicas instead of spawning (hostname=host:port,...)")
	fs.DurationVar(&c.ProbeInterval, "probe-interval", env.duration("LB_PROBE_INTERVAL", c.ProbeInterval), "heartbeat interval")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", env.duration("LB_PROBE_TIMEOUT", c.ProbeTimeout), "heartbeat timeout")
	fs.IntVar(&c.MaxMissed, "max-missed", env.integer("LB_MAX_MISSED", c.MaxMissed), "consecutive missed heartbeats before removal")
	fs.StringVar(&c.Probe, "probe", env.str("LB_PROBE", c.Probe), "heartbeat transport (http or grpc)")
	fs.DurationVar(&c.ForwardTimeout, "forward-timeout", env.duration("LB_FORWARD_TIMEOUT", c.ForwardTimeout), "timeout for forwarded requests")
	fs.StringVar(&c.JournalDir, "journal", env.str("LB_JOURNAL", c.JournalDir), "membership journal directory (empty disables it)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if env.err != nil {
		return nil, env.err
	}

	hs, err := ParseHostnames(hostnames)
	if err != nil {
		return nil, err
	}
	c.Hostnames = hs

	if c.StaticReplicas, err = ParseStaticReplicas(static); err != nil {
		return nil, err
	}
	if c.ReplicaEnv, err = ParseEnv(replicaEnv); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.Slots <= 0 {
		return fmt.Errorf("slots must be positive, got %d", c.Slots)
	}
	if c.VNodes <= 0 {
		return fmt.Errorf("vnodes must be positive, got %d", c.VNodes)
	}
	if c.Replicas < 0 {
		return fmt.Errorf("replicas cannot be negative, got %d", c.Replicas)
	}
	if len(c.Hostnames) > c.Replicas {
		return fmt.Errorf("%d hostnames given for %d replicas", len(c.Hostnames), c.Replicas)
	}
	if c.ReplicaBasePort <= 0 || c.ReplicaBasePort > 65535 {
		return fmt.Errorf("invalid replica base port %d", c.ReplicaBasePort)
	}
	if c.ReplicaPorts <= 0 {
		return fmt.Errorf("replica ports must be positive, got %d", c.ReplicaPorts)
	}
	if last := c.ReplicaBasePort + c.ReplicaPorts - 1; last > 65535 {
		return fmt.Errorf("replica port range %d-%d exceeds 65535", c.ReplicaBasePort, last)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive, got %s", c.ProbeInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.MaxMissed <= 0 {
		return fmt.Errorf("max missed must be positive, got %d", c.MaxMissed)
	}
	if c.Probe != ProbeHTTP && c.Probe != ProbeGRPC {
		return fmt.Errorf("unknown probe %q (expected %s or %s)", c.Probe, ProbeHTTP, ProbeGRPC)
	}
	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("forward timeout must be positive, got %s", c.ForwardTimeout)
	}
	if len(c.StaticReplicas) > 0 {
		if len(c.Hostnames) > 0 {
			return errors.New("hostnames cannot be combined with static replicas")
		}
		// Static replicas are only known by their HTTP address.
		if c.Probe == ProbeGRPC {
			return errors.New("grpc probe is not supported with static replicas")
		}
	}
	return nil
}

// Static reports whether replicas are pre-existing rather than spawned.
func (c *Config) Static() bool {
	return len(c.StaticReplicas) > 0
}

// BootReplicas returns the number of replicas to join at startup and their
// hostnames.
func (c *Config) BootReplicas() (int, []string) {
	if !c.Static() {
		return c.Replicas, c.Hostnames
	}
	hs := make([]string, len(c.StaticReplicas))
	for i, r := range c.StaticReplicas {
		hs[i] = r.Hostname
	}
	return len(hs), hs
}

// ParseHostnames parses a comma-separated list of hostnames:
// "server_a,server_b". Blank entries are skipped; duplicates are rejected.
func ParseHostnames(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if seen[part] {
			return nil, fmt.Errorf("duplicate hostname: %s", part)
		}
		seen[part] = true
		out = append(out, part)
	}

	return out, nil
}

// ParseStaticReplicas parses "hostname=host:port" pairs separated by commas:
// "server_a=10.0.0.1:8080,server_b=10.0.0.2:8080".
func ParseStaticReplicas(s string) ([]StaticReplica, error) {
	if s == "" {
		return []StaticReplica{}, nil
	}

	parts := strings.Split(s, ",")
	out := make([]StaticReplica, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid static replica format: %s (expected hostname=addr)", part)
		}

		host := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if host == "" || addr == "" {
			return nil, fmt.Errorf("static replica hostname and address cannot be empty: %s", part)
		}
		if seen[host] {
			return nil, fmt.Errorf("duplicate static replica: %s", host)
		}
		seen[host] = true

		out = append(out, StaticReplica{Hostname: host, Addr: addr})
	}

	return out, nil
}

// ParseEnv parses "KEY=value" pairs separated by commas. Values may be empty.
func ParseEnv(s string) (map[string]string, error) {
	out := make(map[string]string)
	if s == "" {
		return out, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid env format: %s (expected KEY=value)", part)
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return nil, fmt.Errorf("env key cannot be empty: %s", part)
		}
		out[key] = kv[1]
	}

	return out, nil
}

// envLookup reads typed defaults from the environment and remembers the
// first malformed value.
type envLookup struct {
	getenv func(string) string
	err    error
}

func (e *envLookup) str(key, def string) string {
	if v := e.getenv(key); v != "" {
		return v
	}
	return def
}

func (e *envLookup) integer(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return def
	}
	return n
}

func (e *envLookup) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid %s=%q: %w", key, v, err))
		return def
	}
	return d
}

func (e *envLookup) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
