// Package runtimereg implements the Runtime Registry (C8): a process-local
// map from machine id to live Runtime handle. It is never a source of
// truth — the Durable Store (C3) owns that — but lets the Lifecycle
// Engine (C9) find a running instance's driver/client without a store
// round trip, and lets the crash-detection supervisor enumerate what to
// poll.
package runtimereg

import (
	"os"
	"sync"
	"syscall"

	"github.com/xfeldman/hyperfleet/internal/store"
	"github.com/xfeldman/hyperfleet/internal/vmm"
)

// Runtime is the live handle for one running machine: its hypervisor
// driver and the PID the store persisted for it.
type Runtime struct {
	MachineID string
	Driver    vmm.Driver
	PID       int
}

// Registry is a concurrent map of machine id to Runtime. Safe for
// concurrent use; readers never block writers for long since all
// operations are O(1) map accesses under a single mutex.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Runtime
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Runtime)}
}

// Register records rt under rt.MachineID, overwriting any prior entry.
func (r *Registry) Register(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rt.MachineID] = rt
}

// Get returns the Runtime for id, or (nil, false) if not registered.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.byID[id]
	return rt, ok
}

// Has reports whether id is currently registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Remove deletes id's entry, if any. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// ListRunning returns every registered machine id, in no particular order.
func (r *Registry) ListRunning() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered machines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear removes every registered machine. Used by tests and by a clean
// process shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Runtime)
}

// ProcessProber checks whether a PID still refers to a live process.
// Abstracted so rebuild logic is testable without real processes.
type ProcessProber func(pid int) bool

// ProbeProcess is the real ProcessProber: it sends signal 0, which the
// kernel delivers to no one but still reports ESRCH if the PID is gone.
func ProbeProcess(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Rebuild reconstructs process-local registry state after a restart: it
// lists every machine the store believes is running and probes its PID.
// A machine whose process has died is reported in deadIDs for the
// caller (the lifecycle engine) to transition to failed; nothing here
// mutates the store. A machine found genuinely alive is NOT
// auto-registered, since Rebuild has no Driver to attach — it only
// reports liveness so the caller can reconnect a driver and Register it
// itself.
func Rebuild(machines []*store.Machine, probe ProcessProber) (aliveIDs, deadIDs []string) {
	for _, m := range machines {
		if m.HostPID == nil {
			deadIDs = append(deadIDs, m.ID)
			continue
		}
		if probe(*m.HostPID) {
			aliveIDs = append(aliveIDs, m.ID)
		} else {
			deadIDs = append(deadIDs, m.ID)
		}
	}
	return aliveIDs, deadIDs
}
