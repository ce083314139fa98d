package network

import (
	"sync"
)

// EgressTagCloser is the surface the tag-closer manager drives: anything
// that can drop or retag its egress connections by host or tag mask.
type EgressTagCloser interface {
	DropConnections(hostAndPort string)
	DropConnectionsMatching(tags TagMask)
	MutateTags(hostAndPort string, fn func(TagMask) TagMask)
}

// EgressTagCloserManager fans administrative drops and tag mutations out to
// every registered pool. Pools register themselves at construction when
// Options.Manager is set and deregister on shutdown.
type EgressTagCloserManager struct {
	mu      sync.Mutex
	closers map[EgressTagCloser]struct{}
}

// NewEgressTagCloserManager returns an empty manager.
func NewEgressTagCloserManager() *EgressTagCloserManager {
	return &EgressTagCloserManager{closers: make(map[EgressTagCloser]struct{})}
}

// Add registers a closer for broadcasts.
func (m *EgressTagCloserManager) Add(c EgressTagCloser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers[c] = struct{}{}
}

// Remove deregisters a closer. Removing an unknown closer is a no-op.
func (m *EgressTagCloserManager) Remove(c EgressTagCloser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.closers, c)
}

// DropConnections drops connections to hostAndPort in every registered
// closer.
func (m *EgressTagCloserManager) DropConnections(hostAndPort string) {
	for _, c := range m.snapshot() {
		c.DropConnections(hostAndPort)
	}
}

// DropConnectionsMatching drops connections in pools whose tags match the
// mask, in every registered closer.
func (m *EgressTagCloserManager) DropConnectionsMatching(tags TagMask) {
	for _, c := range m.snapshot() {
		c.DropConnectionsMatching(tags)
	}
}

// MutateTags rewrites hostAndPort's tags in every registered closer.
func (m *EgressTagCloserManager) MutateTags(hostAndPort string, fn func(TagMask) TagMask) {
	for _, c := range m.snapshot() {
		c.MutateTags(hostAndPort, fn)
	}
}

// snapshot copies the closer set so broadcasts run without the manager
// lock held.
func (m *EgressTagCloserManager) snapshot() []EgressTagCloser {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EgressTagCloser, 0, len(m.closers))
	for c := range m.closers {
		out = append(out, c)
	}
	return out
}
