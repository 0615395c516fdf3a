package membership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/gobwas/avl"

	"ringlb/internal/provision"
	"ringlb/internal/ring"
)

var (
	// ErrInvalidRequest is returned for malformed membership requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProvisionFailed wraps provisioner errors during join.
	ErrProvisionFailed = errors.New("provisioning failed")
	// ErrStopFailed wraps provisioner errors during leave. The replica is
	// already off the ring when it is returned.
	ErrStopFailed = errors.New("failed to stop replica")
)

// validHostname restricts hostnames to names safe as file and DNS labels.
var validHostname = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Leave reasons recorded in logs and the journal.
const (
	ReasonAdmin     = "admin"
	ReasonHeartbeat = "heartbeat"
)

// Journal records membership changes durably.
type Journal interface {
	HighWater() (int, error)
	RecordJoin(id int, hostname string) error
	RecordLeave(id int, hostname, reason string) error
}

// Manager owns replica membership on top of a ring.
type Manager struct {
	ring    *ring.Ring
	prov    provision.Provisioner
	journal Journal
	env     map[string]string

	// registry is an immutable tree<replicaItem>, swapped under mu.
	registry atomic.Pointer[avl.Tree]

	mu        sync.Mutex
	alloc     IDAllocator
	hostnames map[string]int // reserved hostnames -> id (0 while provisioning)
}

// Option configures a Manager.
type Option func(*Manager)

// WithJournal records joins and leaves and seeds the id allocator from the
// journal's high-water mark.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithEnv adds environment variables passed to every provisioned replica.
func WithEnv(env map[string]string) Option {
	return func(m *Manager) { m.env = env }
}

// NewManager creates a membership manager over r and prov.
func NewManager(r *ring.Ring, prov provision.Provisioner, opts ...Option) (*Manager, error) {
	m := &Manager{
		ring:      r,
		prov:      prov,
		hostnames: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry.Store(&avl.Tree{})

	if m.journal != nil {
		hw, err := m.journal.HighWater()
		if err != nil {
			return nil, fmt.Errorf("failed to read id high water: %w", err)
		}
		m.alloc.Seed(hw)
	}
	return m, nil
}

// Join provisions a new replica and places it on the ring. An empty hostname
// gets the generated name server_<id>.
func (m *Manager) Join(ctx context.Context, hostname string) (int, error) {
	if hostname != "" && !validHostname.MatchString(hostname) {
		return 0, fmt.Errorf("%w: invalid hostname %q", ErrInvalidRequest, hostname)
	}

	m.mu.Lock()
	if hostname != "" {
		if _, taken := m.hostnames[hostname]; taken {
			m.mu.Unlock()
			return 0, fmt.Errorf("%w: hostname %q already in use", ErrInvalidRequest, hostname)
		}
	}
	id := m.alloc.Next()
	if hostname == "" {
		// An admin may already have claimed server_<id>; skip to the next free id.
		for {
			hostname = fmt.Sprintf("server_%d", id)
			if _, taken := m.hostnames[hostname]; !taken {
				break
			}
			id = m.alloc.Next()
		}
	}
	m.hostnames[hostname] = 0
	m.mu.Unlock()

	h, err := m.prov.Start(ctx, id, hostname, m.env)
	if err != nil {
		m.mu.Lock()
		delete(m.hostnames, hostname)
		m.mu.Unlock()
		log.Printf("[membership] Provisioning %s (id=%d) failed: %v", hostname, id, err)
		return 0, fmt.Errorf("%w: %s: %w", ErrProvisionFailed, hostname, err)
	}
	h.ID = id
	h.Hostname = hostname

	// Register before placing on the ring so a lookup never resolves to an
	// id without a handle.
	m.mu.Lock()
	prev := m.registry.Load()
	tree, _ := prev.Insert(replicaItem{Replica{ID: id, Hostname: hostname, Handle: h}})
	m.registry.Store(&tree)
	if err := m.ring.AddReplica(id); err != nil {
		m.registry.Store(prev)
		delete(m.hostnames, hostname)
		m.mu.Unlock()
		if stopErr := m.prov.Stop(ctx, id); stopErr != nil {
			log.Printf("[membership] Teardown of %s after ring failure: %v", hostname, stopErr)
		}
		return 0, err
	}
	m.hostnames[hostname] = id
	m.mu.Unlock()

	log.Printf("[membership] Joined %s (id=%d) at %s", hostname, id, h.Addr)
	if m.journal != nil {
		if err := m.journal.RecordJoin(id, hostname); err != nil {
			log.Printf("[membership] Journal join %d: %v", id, err)
		}
	}
	return id, nil
}

// Leave removes replica id from the ring and then stops its instance.
func (m *Manager) Leave(ctx context.Context, id int, reason string) error {
	m.mu.Lock()
	tree := *m.registry.Load()
	item := tree.Search(idKey(id))
	if item == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ring.ErrUnknownReplica, id)
	}
	rep := item.(replicaItem).Replica
	if err := m.ring.RemoveReplica(id); err != nil {
		m.mu.Unlock()
		return err
	}
	tree, _ = tree.Delete(idKey(id))
	m.registry.Store(&tree)
	m.mu.Unlock()

	log.Printf("[membership] Removed %s (id=%d) from ring (%s)", rep.Hostname, id, reason)
	if m.journal != nil {
		if err := m.journal.RecordLeave(id, rep.Hostname, reason); err != nil {
			log.Printf("[membership] Journal leave %d: %v", id, err)
		}
	}

	err := m.prov.Stop(ctx, id)

	// The hostname stays reserved until the instance is gone.
	m.mu.Lock()
	if m.hostnames[rep.Hostname] == id {
		delete(m.hostnames, rep.Hostname)
	}
	m.mu.Unlock()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, provision.ErrAlreadyStopped):
		log.Printf("[membership] %s (id=%d) was already stopped", rep.Hostname, id)
		return nil
	default:
		log.Printf("[membership] Stopping %s (id=%d) failed: %v", rep.Hostname, id, err)
		return fmt.Errorf("%w: %s: %v", ErrStopFailed, rep.Hostname, err)
	}
}

// LeaveHostname resolves hostname to an active replica and removes it.
func (m *Manager) LeaveHostname(ctx context.Context, hostname, reason string) error {
	id, ok := m.Resolve(hostname)
	if !ok {
		return fmt.Errorf("%w: %s", ring.ErrUnknownReplica, hostname)
	}
	return m.Leave(ctx, id, reason)
}

// BulkJoin performs n sequential joins, using hostnames in order and
// generated names for the rest. It stops at the first failure and returns
// the number of replicas added.
func (m *Manager) BulkJoin(ctx context.Context, n int, hostnames []string) (int, error) {
	if err := validateBulk(n, hostnames); err != nil {
		return 0, err
	}
	added := 0
	for i := 0; i < n; i++ {
		hostname := ""
		if i < len(hostnames) {
			hostname = hostnames[i]
		}
		if _, err := m.Join(ctx, hostname); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// BulkLeave removes up to n replicas: the named hostnames first, then the
// oldest-joined replicas. It stops early when no replica remains and returns
// the number removed.
func (m *Manager) BulkLeave(ctx context.Context, n int, hostnames []string) (int, error) {
	if err := validateBulk(n, hostnames); err != nil {
		return 0, err
	}
	removed := 0
	for i := 0; i < n; i++ {
		var err error
		if i < len(hostnames) {
			err = m.LeaveHostname(ctx, hostnames[i], ReasonAdmin)
		} else {
			oldest, ok := m.oldest()
			if !ok {
				break
			}
			err = m.Leave(ctx, oldest.ID, ReasonAdmin)
		}
		if err != nil && !errors.Is(err, ErrStopFailed) {
			return removed, err
		}
		removed++
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Resolve returns the id of the active replica named hostname.
func (m *Manager) Resolve(hostname string) (int, bool) {
	var id int
	m.registry.Load().InOrder(func(x avl.Item) bool {
		r := x.(replicaItem)
		if r.Hostname == hostname {
			id = r.ID
			return false
		}
		return true
	})
	return id, id != 0
}

// Get returns the active replica with the given id.
func (m *Manager) Get(id int) (Replica, bool) {
	item := m.registry.Load().Search(idKey(id))
	if item == nil {
		return Replica{}, false
	}
	return item.(replicaItem).Replica, true
}

// Handle returns the provisioning handle of active replica id. It does not lock.
func (m *Manager) Handle(id int) (provision.Handle, bool) {
	r, ok := m.Get(id)
	return r.Handle, ok
}

// List returns the active replicas ordered by id.
func (m *Manager) List() []Replica {
	tree := m.registry.Load()
	out := make([]Replica, 0, tree.Size())
	tree.InOrder(func(x avl.Item) bool {
		out = append(out, x.(replicaItem).Replica)
		return true
	})
	return out
}

// Hostnames returns the hostnames of the active replicas ordered by id.
func (m *Manager) Hostnames() []string {
	reps := m.List()
	names := make([]string, len(reps))
	for i, r := range reps {
		names[i] = r.Hostname
	}
	return names
}

// Len returns the number of active replicas.
func (m *Manager) Len() int {
	return m.registry.Load().Size()
}

func (m *Manager) oldest() (Replica, bool) {
	min := m.registry.Load().Min()
	if min == nil {
		return Replica{}, false
	}
	return min.(replicaItem).Replica, true
}

func validateBulk(n int, hostnames []string) error {
	if n < 0 {
		return fmt.Errorf("%w: negative count %d", ErrInvalidRequest, n)
	}
	if len(hostnames) > n {
		return fmt.Errorf("%w: %d hostnames for %d instances", ErrInvalidRequest, len(hostnames), n)
	}
	return nil
}

// Handles returns the handles of the active replicas ordered by id.
func (m *Manager) Handles() []provision.Handle {
	reps := m.List()
	out := make([]provision.Handle, len(reps))
	for i, r := range reps {
		out[i] = r.Handle
	}
	return out
}

// Bootstrap starts the initial replica set. It is BulkJoin with a log line.
func (m *Manager) Bootstrap(ctx context.Context, n int, hostnames []string) error {
	added, err := m.BulkJoin(ctx, n, hostnames)
	if err != nil {
		return fmt.Errorf("bootstrap stopped after %d of %d replicas: %w", added, n, err)
	}
	log.Printf("[membership] Bootstrapped %d replicas: %v", added, m.Hostnames())
	return nil
}
