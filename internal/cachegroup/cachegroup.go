// Package cachegroup is the cache-lifecycle collaborator an exchange
// manager consults once a topology round finishes (spec §6 "Cache
// lifecycle (consumed)"): which groups a joining node should start, and
// which newly-owned partitions an existing node should start serving.
// No pack repo carries a dedicated cache-lifecycle manager to port from;
// this is a narrow interface plus the in-memory bookkeeping needed to
// exercise internal/exchange's join/activation paths end to end.
package cachegroup

import "sync"

// Lifecycle is the collaborator interface internal/exchmgr drives after
// every completed exchange.
type Lifecycle interface {
	// CachesToStartOnLocalJoin returns the groups this node must start
	// before it can serve traffic, given the full-message handed to a
	// newly joined server (spec §4.9).
	CachesToStartOnLocalJoin(groupIDs []string) []string
	// StartReceivedCaches starts serving groupID/partition pairs this
	// node was just assigned ownership of.
	StartReceivedCaches(groupID string, partitions []int) error
	// Running reports whether groupID is currently started locally.
	Running(groupID string) bool
}

// InMemory is a Lifecycle that just tracks which groups/partitions are
// "started" without touching real storage, sufficient for wiring and for
// tests.
type InMemory struct {
	mu      sync.Mutex
	started map[string]map[int]bool
}

// NewInMemory returns an empty InMemory lifecycle.
func NewInMemory() *InMemory {
	return &InMemory{started: make(map[string]map[int]bool)}
}

// CachesToStartOnLocalJoin reports every group that has not yet been
// started via StartReceivedCaches, on every call; it does not consult
// on-disk state.
func (m *InMemory) CachesToStartOnLocalJoin(groupIDs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var toStart []string
	for _, id := range groupIDs {
		if _, ok := m.started[id]; !ok {
			toStart = append(toStart, id)
		}
	}
	return toStart
}

// StartReceivedCaches marks groupID/partitions as started.
func (m *InMemory) StartReceivedCaches(groupID string, partitions []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.started[groupID]
	if !ok {
		parts = make(map[int]bool)
		m.started[groupID] = parts
	}
	for _, p := range partitions {
		parts[p] = true
	}
	return nil
}

// Running reports whether groupID has been started at all.
func (m *InMemory) Running(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.started[groupID]
	return ok
}
