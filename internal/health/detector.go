package health

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"ringlb/internal/membership"
	"ringlb/internal/provision"
	"ringlb/internal/ring"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultTimeout   = 500 * time.Millisecond
	DefaultMaxMissed = 3
)

// Status is the detector's view of a replica.
type Status int

const (
	Active Status = iota
	Suspect
	Removed
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Suspect:
		return "SUSPECT"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Membership is the part of the membership manager the detector drives.
type Membership interface {
	Handles() []provision.Handle
	Leave(ctx context.Context, id int, reason string) error
}

// Prober checks a single replica's heartbeat.
type Prober interface {
	Probe(ctx context.Context, h provision.Handle) error
}

// forgetter is implemented by probers that hold per-replica resources.
type forgetter interface {
	Forget(h provision.Handle)
}

// Config controls probing cadence and tolerance.
type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	MaxMissed int
}

// MemberState is a snapshot of one replica's detector state.
type MemberState struct {
	ID       int
	Hostname string
	Status   Status
	Missed   int
	LastSeen time.Time
}

type member struct {
	handle   provision.Handle
	status   Status
	missed   int
	lastSeen time.Time
}

// Detector probes replicas and removes the ones that stop answering.
type Detector struct {
	members Membership
	prober  Prober
	cfg     Config

	mu     sync.Mutex
	states map[int]*member

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDetector creates a detector. Zero config fields take defaults.
func NewDetector(members Membership, prober Prober, cfg Config) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissed
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{
		members: members,
		prober:  prober,
		cfg:     cfg,
		states:  make(map[int]*member),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the probe loop until Stop is called.
func (d *Detector) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.RunCycle(d.ctx)
			}
		}
	}()
}

// Stop stops the probe loop and waits for an in-flight cycle to finish.
func (d *Detector) Stop() {
	d.cancel()
	d.wg.Wait()
}

// RunCycle probes every tracked replica once and applies the results.
func (d *Detector) RunCycle(ctx context.Context) {
	targets := d.sync()
	if len(targets) == 0 {
		return
	}

	results := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, h := range targets {
		wg.Add(1)
		go func(i int, h provision.Handle) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
			defer cancel()
			results[i] = d.prober.Probe(probeCtx, h)
		}(i, h)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Shutting down; cancelled probes are not misses.
		return
	}
	for i, h := range targets {
		d.Observe(ctx, h.ID, results[i] == nil)
	}
}

// Observe applies one heartbeat outcome for replica id. It returns the
// replica's status afterwards. Unknown ids are ignored.
func (d *Detector) Observe(ctx context.Context, id int, ok bool) Status {
	d.mu.Lock()
	m, exists := d.states[id]
	if !exists {
		d.mu.Unlock()
		return Removed
	}
	if m.status == Removed {
		d.mu.Unlock()
		return Removed
	}

	if ok {
		if m.status == Suspect {
			log.Printf("[detector] %s (id=%d) is ACTIVE again after %d missed", m.handle.Hostname, id, m.missed)
		}
		m.status = Active
		m.missed = 0
		m.lastSeen = time.Now()
		d.mu.Unlock()
		return Active
	}

	m.missed++
	if m.missed < d.cfg.MaxMissed {
		if m.status == Active {
			log.Printf("[detector] Marked %s (id=%d) as SUSPECT (heartbeat missed)", m.handle.Hostname, id)
		}
		m.status = Suspect
		d.mu.Unlock()
		return Suspect
	}

	m.status = Removed
	hostname := m.handle.Hostname
	missed := m.missed
	d.mu.Unlock()

	log.Printf("[detector] Marked %s (id=%d) as REMOVED (%d heartbeats missed)", hostname, id, missed)
	if err := d.members.Leave(ctx, id, membership.ReasonHeartbeat); err != nil {
		if errors.Is(err, ring.ErrUnknownReplica) {
			log.Printf("[detector] %s (id=%d) already left", hostname, id)
		} else {
			log.Printf("[detector] Leave %s (id=%d): %v", hostname, id, err)
		}
	}
	return Removed
}

// Statuses returns the state of every tracked replica ordered by id.
func (d *Detector) Statuses() []MemberState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]MemberState, 0, len(d.states))
	for id, m := range d.states {
		out = append(out, MemberState{
			ID:       id,
			Hostname: m.handle.Hostname,
			Status:   m.status,
			Missed:   m.missed,
			LastSeen: m.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sync reconciles tracked state with current membership and returns the
// replicas to probe. New replicas start ACTIVE; REMOVED entries are kept
// until membership forgets them so they are never left twice.
func (d *Detector) sync() []provision.Handle {
	handles := d.members.Handles()

	d.mu.Lock()
	defer d.mu.Unlock()

	current := make(map[int]bool, len(handles))
	targets := make([]provision.Handle, 0, len(handles))
	now := time.Now()
	for _, h := range handles {
		current[h.ID] = true
		m, exists := d.states[h.ID]
		if !exists {
			d.states[h.ID] = &member{handle: h, status: Active, lastSeen: now}
			targets = append(targets, h)
			continue
		}
		if m.status != Removed {
			targets = append(targets, h)
		}
	}
	var gone []provision.Handle
	for id, m := range d.states {
		if !current[id] {
			gone = append(gone, m.handle)
			delete(d.states, id)
		}
	}
	if f, ok := d.prober.(forgetter); ok {
		for _, h := range gone {
			f.Forget(h)
		}
	}
	return targets
}
