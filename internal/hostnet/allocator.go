package hostnet

import (
	"fmt"
	"sync"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// Lease is a reserved tap name, host/guest IP pair, and guest MAC address
// for one machine's network attachment.
type Lease struct {
	TapDevice string
	HostIP    string
	GuestIP   string
	GuestMAC  string
}

// Allocator hands out non-overlapping /30 subnets and tap names from a
// private address space, and rejects double-leasing the same key. Each
// machine owns exactly one lease for its lifetime; the lease is dropped on
// teardown. Subnet indexes only ever increase: a released index is not
// handed out again.
type Allocator struct {
	mu      sync.Mutex
	prefix  string // tap device name prefix, e.g. "hftap"
	counter uint32 // next /30 subnet index to try
	leased  map[string]*Lease
}

// NewAllocator returns an Allocator whose tap devices are named
// "<prefix><n>" and whose guest subnets are carved out of 172.16.0.0/16.
func NewAllocator(prefix string) *Allocator {
	return &Allocator{
		prefix: prefix,
		leased: make(map[string]*Lease),
	}
}

// Lease reserves a tap name and /30 subnet for the given machine ID. A
// second Lease call for an already-leased ID returns *errs.Validation.
func (a *Allocator) Lease(machineID string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.leased[machineID]; ok {
		return nil, &errs.Validation{Field: "machine_id", Message: fmt.Sprintf("%s already holds a network lease", machineID)}
	}

	idx := a.counter
	a.counter++

	// Each third octet holds 64 non-overlapping /30 blocks (64*4=256), so
	// the low 6 bits of idx select the block within an octet and the
	// remaining bits select the third octet — unlike packing the full
	// low byte into base*4, this never produces a base above 252.
	blockInOctet := idx & 0x3f
	third := (idx >> 6) & 0xff
	base := blockInOctet * 4
	hostIP := fmt.Sprintf("172.16.%d.%d", third, base+1)
	guestIP := fmt.Sprintf("172.16.%d.%d", third, base+2)

	lease := &Lease{
		TapDevice: fmt.Sprintf("%s%d", a.prefix, idx),
		HostIP:    hostIP,
		GuestIP:   guestIP,
		GuestMAC:  deriveMAC(idx),
	}
	a.leased[machineID] = lease
	return lease, nil
}

// Release drops machineID's lease so the ID can lease again; the next
// Lease gets a fresh subnet index and tap name, not the released one.
// Releasing an unleased ID is a no-op.
func (a *Allocator) Release(machineID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, machineID)
}

// Get returns the current lease for machineID, if any.
func (a *Allocator) Get(machineID string) (*Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leased[machineID]
	return l, ok
}

// deriveMAC builds a locally-administered unicast MAC address
// (02:00:00:xx:xx:xx) from the subnet index so each guest gets a
// deterministic, collision-free address within this process's lifetime.
func deriveMAC(idx uint32) string {
	return fmt.Sprintf("02:00:00:%02x:%02x:%02x",
		(idx>>16)&0xff, (idx>>8)&0xff, idx&0xff)
}
