// Package presence tracks which users currently hold a live notification
// connection. Membership lives in process memory only and starts empty on
// every restart.
package presence

import (
	"sort"
	"sync"
)

// Registry is the concurrent online-user set. Implementations must make Add
// and Remove idempotent: presence is a set, not a connection counter.
type Registry interface {
	Add(userID string)
	Remove(userID string)
	IsOnline(userID string) bool
	Snapshot() []string
	Count() int
}

// MemoryRegistry is the process-wide Registry. Construct it at service start
// and inject it wherever presence is needed.
type MemoryRegistry struct {
	mu       sync.RWMutex
	online   map[string]struct{}
	onChange func()
}

// NewMemoryRegistry creates an empty registry. onChange, if non-nil, runs
// after every Add/Remove (the wiring points it at the router's
// presence-changed broadcast). It is called outside the registry lock.
func NewMemoryRegistry(onChange func()) *MemoryRegistry {
	return &MemoryRegistry{
		online:   make(map[string]struct{}),
		onChange: onChange,
	}
}

func (r *MemoryRegistry) Add(userID string) {
	r.mu.Lock()
	r.online[userID] = struct{}{}
	r.mu.Unlock()
	r.notify()
}

func (r *MemoryRegistry) Remove(userID string) {
	r.mu.Lock()
	delete(r.online, userID)
	r.mu.Unlock()
	r.notify()
}

func (r *MemoryRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[userID]
	return ok
}

func (r *MemoryRegistry) Snapshot() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.online))
	for userID := range r.online {
		users = append(users, userID)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

func (r *MemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.online)
}

func (r *MemoryRegistry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
