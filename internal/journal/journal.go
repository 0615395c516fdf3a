package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

const (
	highWaterKey = "meta/high_water"
	eventPrefix  = "event/"
	eventUpper   = "event0" // first key past the event/ prefix
)

// Event kinds.
const (
	KindJoin  = "join"
	KindLeave = "leave"
)

// Event is one membership change.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ReplicaID int       `json:"replica_id"`
	Hostname  string    `json:"hostname"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Journal is a Pebble-backed membership log.
type Journal struct {
	db *pebble.DB

	mu        sync.Mutex // serializes high-water read-modify-write
	highWater int
}

// Open opens (or creates) the journal in dir.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", dir, err)
	}
	j := &Journal{db: db}

	hw, err := j.readHighWater()
	if err != nil {
		db.Close()
		return nil, err
	}
	j.highWater = hw
	log.Printf("[journal] Opened %s (high water %d)", dir, hw)
	return j, nil
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// HighWater returns the largest replica id ever recorded.
func (j *Journal) HighWater() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.highWater, nil
}

// RecordJoin logs a join and raises the high-water mark to id if needed.
func (j *Journal) RecordJoin(id int, hostname string) error {
	return j.record(Event{Kind: KindJoin, ReplicaID: id, Hostname: hostname})
}

// RecordLeave logs a leave.
func (j *Journal) RecordLeave(id int, hostname, reason string) error {
	return j.record(Event{Kind: KindLeave, ReplicaID: id, Hostname: hostname, Reason: reason})
}

func (j *Journal) record(ev Event) error {
	ev.ID = uuid.New().String()
	ev.At = time.Now().UTC()

	val, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	b := j.db.NewBatch()
	defer b.Close()

	if err := b.Set(eventKey(ev), val, nil); err != nil {
		return err
	}
	hw := j.highWater
	if ev.ReplicaID > hw {
		hw = ev.ReplicaID
		if err := b.Set([]byte(highWaterKey), []byte(strconv.Itoa(hw)), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	j.highWater = hw
	return nil
}

// Events returns up to limit events in the order they were recorded.
// A non-positive limit returns all events.
func (j *Journal) Events(limit int) ([]Event, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventPrefix),
		UpperBound: []byte(eventUpper),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var events []Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event %q: %w", iter.Key(), err)
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, iter.Error()
}

func (j *Journal) readHighWater() (int, error) {
	val, closer, err := j.db.Get([]byte(highWaterKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()

	hw, err := strconv.Atoi(string(val))
	if err != nil {
		return 0, fmt.Errorf("corrupt high water mark %q: %w", val, err)
	}
	return hw, nil
}

// eventKey orders events by time; the event id breaks ties.
func eventKey(ev Event) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", eventPrefix, ev.At.UnixNano(), ev.ID))
}
