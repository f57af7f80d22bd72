// Package twin implements a local stand-in for the remote flag evaluation
// and event ingestion service, for SDK tests and offline development.
package twin

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wondertwin-ai/beacon/pkg/api"
	"github.com/wondertwin-ai/beacon/pkg/clock"
)

// Batch records one accepted ingestion request.
type Batch struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	EventIDs   []string  `json:"event_ids"`
	Duplicates int       `json:"duplicates"`
}

// Store holds all twin state in memory.
type Store struct {
	Clock clock.Clock

	mu        sync.RWMutex
	flags     map[string]bool
	userFlags map[string]map[string]bool
	events    []api.Event
	seen      map[string]struct{}
	batches   []Batch
}

// NewStore creates an empty Store.
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real{}
	}
	s := &Store{Clock: c}
	s.Reset()
	return s
}

// Evaluate returns the global flags overlaid with userID's overrides.
func (s *Store) Evaluate(userID string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	for k, v := range s.userFlags[userID] {
		out[k] = v
	}
	return out
}

// Check resolves a single flag for userID; unknown flags are disabled.
func (s *Store) Check(flag, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.userFlags[userID][flag]; ok {
		return v
	}
	return s.flags[flag]
}

// SetFlags replaces the global flag values.
func (s *Store) SetFlags(flags map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = copyFlags(flags)
}

// Flags returns a copy of the global flag values.
func (s *Store) Flags() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyFlags(s.flags)
}

// SetUserFlags replaces the overrides for userID. A nil map removes them.
func (s *Store) SetUserFlags(userID string, flags map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags == nil {
		delete(s.userFlags, userID)
		return
	}
	s.userFlags[userID] = copyFlags(flags)
}

// Ingest records a batch. Events whose id was already accepted are counted
// as duplicates and not stored again.
func (s *Store) Ingest(events []api.Event) (accepted, duplicates int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := Batch{
		ID:         fmt.Sprintf("batch_%06d", len(s.batches)+1),
		ReceivedAt: s.Clock.Now().UTC(),
		EventIDs:   make([]string, 0, len(events)),
	}
	for _, e := range events {
		if e.ID != "" {
			if _, dup := s.seen[e.ID]; dup {
				b.Duplicates++
				continue
			}
			s.seen[e.ID] = struct{}{}
		}
		s.events = append(s.events, e)
		b.EventIDs = append(b.EventIDs, e.ID)
	}
	s.batches = append(s.batches, b)
	return len(b.EventIDs), b.Duplicates
}

// Events returns accepted events matching the optional filters, in arrival
// order.
func (s *Store) Events(eventType, userID string) []api.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Event, 0, len(s.events))
	for _, e := range s.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Batches returns a copy of the batch log.
func (s *Store) Batches() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// stateSnapshot is the JSON form used by /admin/state and seed files.
type stateSnapshot struct {
	Flags     map[string]bool            `json:"flags"`
	UserFlags map[string]map[string]bool `json:"user_flags"`
	Events    []api.Event                `json:"events"`
	Batches   []Batch                    `json:"batches"`
}

// Snapshot returns the full state as a JSON-serializable value.
func (s *Store) Snapshot() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]map[string]bool, len(s.userFlags))
	for u, f := range s.userFlags {
		users[u] = copyFlags(f)
	}
	events := make([]api.Event, len(s.events))
	copy(events, s.events)
	batches := make([]Batch, len(s.batches))
	copy(batches, s.batches)
	return stateSnapshot{
		Flags:     copyFlags(s.flags),
		UserFlags: users,
		Events:    events,
		Batches:   batches,
	}
}

// LoadState replaces the full state from a JSON body.
func (s *Store) LoadState(data []byte) error {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Flags != nil {
		s.flags = snap.Flags
	}
	if snap.UserFlags != nil {
		s.userFlags = snap.UserFlags
	}
	s.events = snap.Events
	s.batches = snap.Batches
	for _, e := range s.events {
		if e.ID != "" {
			s.seen[e.ID] = struct{}{}
		}
	}
	return nil
}

// Reset clears all state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = make(map[string]bool)
	s.userFlags = make(map[string]map[string]bool)
	s.events = nil
	s.seen = make(map[string]struct{})
	s.batches = nil
}

func copyFlags(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
