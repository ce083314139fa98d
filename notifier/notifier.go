// Package notifier distributes replica-set topology changes to interested
// parties: the egress pools that must rewire their clubs, plus optional
// process-level hooks.
package notifier

import (
	"sync"

	"github.com/ferritedb/egresspool/connstring"
	"github.com/ferritedb/egresspool/logger"
)

// Hook receives the new member list of a replica set.
type Hook func(cs connstring.ConnectionString)

// Listener reacts to confirmed topology changes. *network.ConnectionPool
// satisfies this interface directly.
type Listener interface {
	HandleConfig(cs connstring.ConnectionString)
	HandlePrimary(setName, hostAndPort string)
}

type setState struct {
	connStr connstring.ConnectionString
	primary string
}

// ReplicaSetChangeNotifier fans topology updates out to listeners and hooks.
// No notifier lock is ever held while a listener or hook runs: callbacks may
// take pool locks or go over the network, and the async hook runs on its own
// goroutine.
type ReplicaSetChangeNotifier struct {
	mu         sync.Mutex
	syncHook   Hook
	asyncHook  Hook
	listeners  map[Listener]struct{}
	lastChange map[string]*setState
}

// New returns an empty notifier.
func New() *ReplicaSetChangeNotifier {
	return &ReplicaSetChangeNotifier{
		listeners:  make(map[Listener]struct{}),
		lastChange: make(map[string]*setState),
	}
}

// RegisterSyncHook installs the hook invoked inline on every confirmed or
// unconfirmed config change. Registering twice is a programming error.
func (n *ReplicaSetChangeNotifier) RegisterSyncHook(hook Hook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.syncHook != nil {
		panic("notifier: sync hook registered twice")
	}
	n.syncHook = hook
}

// RegisterAsyncHook installs the hook invoked on its own goroutine on every
// confirmed config change. Registering twice is a programming error.
func (n *ReplicaSetChangeNotifier) RegisterAsyncHook(hook Hook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.asyncHook != nil {
		panic("notifier: async hook registered twice")
	}
	n.asyncHook = hook
}

// AddListener registers a listener and replays the last known state of every
// set to it so a late subscriber catches up.
func (n *ReplicaSetChangeNotifier) AddListener(l Listener) {
	n.mu.Lock()
	n.listeners[l] = struct{}{}
	replay := make([]setState, 0, len(n.lastChange))
	for _, data := range n.lastChange {
		replay = append(replay, *data)
	}
	n.mu.Unlock()

	for _, data := range replay {
		if len(data.connStr.Servers()) > 0 {
			l.HandleConfig(data.connStr)
		}
		if data.primary != "" {
			l.HandlePrimary(data.connStr.SetName(), data.primary)
		}
	}
}

// RemoveListener deregisters a listener.
func (n *ReplicaSetChangeNotifier) RemoveListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, l)
}

// UpdateConfig records a confirmed member-list change and notifies hooks and
// listeners.
func (n *ReplicaSetChangeNotifier) UpdateConfig(cs connstring.ConnectionString) {
	n.mu.Lock()
	data := n.lastChange[cs.SetName()]
	if data == nil {
		data = &setState{}
		n.lastChange[cs.SetName()] = data
	}
	data.connStr = cs
	listeners := n.snapshotLocked()
	syncHook, asyncHook := n.syncHook, n.asyncHook
	n.mu.Unlock()

	logger.Info("replica set config changed", "set", cs.SetName(), "members", cs.Servers())

	if syncHook != nil {
		syncHook(cs)
	}
	if asyncHook != nil {
		// Run off-thread: the hook may go over the network.
		go asyncHook(cs)
	}

	for _, l := range listeners {
		l.HandleConfig(cs)
	}
}

// UpdatePrimary records a primary change and notifies listeners.
func (n *ReplicaSetChangeNotifier) UpdatePrimary(setName, primary string) {
	n.mu.Lock()
	data := n.lastChange[setName]
	if data == nil {
		data = &setState{}
		n.lastChange[setName] = data
	}
	data.primary = primary
	listeners := n.snapshotLocked()
	n.mu.Unlock()

	logger.Info("replica set primary changed", "set", setName, "primary", primary)

	for _, l := range listeners {
		l.HandlePrimary(setName, primary)
	}
}

// UpdateUnconfirmedConfig runs only the sync hook: the change is not yet
// authoritative, so listeners and the stored state are left alone.
func (n *ReplicaSetChangeNotifier) UpdateUnconfirmedConfig(cs connstring.ConnectionString) {
	n.mu.Lock()
	syncHook := n.syncHook
	n.mu.Unlock()

	if syncHook != nil {
		syncHook(cs)
	}
}

func (n *ReplicaSetChangeNotifier) snapshotLocked() []Listener {
	out := make([]Listener, 0, len(n.listeners))
	for l := range n.listeners {
		out = append(out, l)
	}
	return out
}
