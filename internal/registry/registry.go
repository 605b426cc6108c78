// Package registry keeps the process-wide table of live, registered chat
// sessions keyed by connection handle.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatgate/internal/identity"
)

// ErrNotFound is returned when no session is registered for a handle.
var ErrNotFound = errors.New("session not found")

// Handle is the opaque identifier of one live client connection.
type Handle string

// NewHandle returns a fresh random connection handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

// SessionRecord describes one registered connection. Values returned by the
// Registry are copies; mutating them has no effect on the table.
type SessionRecord struct {
	Handle      Handle
	Identity    identity.Identity
	ConnectedAt time.Time
}

// Registry maps connection handles to session records. All methods are safe
// for concurrent use and hold the lock only for map operations.
type Registry struct {
	mu      sync.RWMutex
	records map[Handle]SessionRecord
	names   map[string]int // display name -> number of handles using it
	nowFunc func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		records: make(map[Handle]SessionRecord),
		names:   make(map[string]int),
		nowFunc: time.Now,
	}
}

// Upsert inserts or replaces the record for handle. It returns true when no
// other registered handle currently uses the same display name. A handle that
// re-registers keeps its original connect time.
func (r *Registry) Upsert(handle Handle, id identity.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	connectedAt := r.nowFunc()
	if prev, ok := r.records[handle]; ok {
		connectedAt = prev.ConnectedAt
		r.releaseName(prev.Identity.DisplayName)
	}

	isNew := r.names[id.DisplayName] == 0
	r.names[id.DisplayName]++
	r.records[handle] = SessionRecord{
		Handle:      handle,
		Identity:    id,
		ConnectedAt: connectedAt,
	}
	return isNew
}

// Get returns a copy of the record for handle.
func (r *Registry) Get(handle Handle) (SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[handle]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// Remove deletes the record for handle and returns it.
func (r *Registry) Remove(handle Handle) (SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[handle]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	delete(r.records, handle)
	r.releaseName(rec.Identity.DisplayName)
	return rec, nil
}

// SnapshotAll returns a point-in-time copy of every record ordered by connect
// time. Sorting happens after the lock is released.
func (r *Registry) SnapshotAll() []SessionRecord {
	r.mu.RLock()
	out := make([]SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].Handle < out[j].Handle
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// releaseName must be called with mu held.
func (r *Registry) releaseName(name string) {
	if r.names[name] <= 1 {
		delete(r.names, name)
		return
	}
	r.names[name]--
}
