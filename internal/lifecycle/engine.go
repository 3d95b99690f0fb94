// Package lifecycle implements the Lifecycle Engine (C9): the state
// machine driving a machine through pending → starting → running →
// paused/stopping → stopped/failed, composing the Durable Store (C3),
// OCI Resolver (C4), Hypervisor Driver (C5), Host Network (C6), Guest
// Transport (C7), and Runtime Registry (C8).
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/xfeldman/hyperfleet/internal/config"
	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/guest"
	"github.com/xfeldman/hyperfleet/internal/hostnet"
	"github.com/xfeldman/hyperfleet/internal/image"
	"github.com/xfeldman/hyperfleet/internal/runtimereg"
	"github.com/xfeldman/hyperfleet/internal/store"
	"github.com/xfeldman/hyperfleet/internal/vmm"
)

// DriverFactory builds a Driver for one machine's Config. Production
// code passes a factory that wraps vmm.NewCloudHypervisorDriver; tests
// pass a factory returning a fake Driver so no real hypervisor process
// ever spawns.
type DriverFactory func(cfg vmm.Config) vmm.Driver

// Engine owns the state machine for every machine and serializes
// mutation per machine id. Each operation holds that id's lock for its
// whole pipeline, so a concurrent caller for the same id blocks until
// the running operation finishes rather than getting an error.
type Engine struct {
	store    *store.DB
	resolver *image.Resolver
	net      *hostnet.Net
	alloc    *hostnet.Allocator
	registry *runtimereg.Registry
	cfg      *config.Config
	newDriver DriverFactory

	idMu  sync.Mutex
	locks map[string]*sync.Mutex

	guestMu      sync.Mutex
	guestClients map[string]*guest.Client

	nextCID uint32 // vsock CID allocator; 0-2 are reserved by the hypervisor
}

// New builds an Engine. newDriver is the Driver constructor to use for
// every Start call.
func New(db *store.DB, resolver *image.Resolver, net *hostnet.Net, alloc *hostnet.Allocator, registry *runtimereg.Registry, cfg *config.Config, newDriver DriverFactory) *Engine {
	return &Engine{
		store:        db,
		resolver:     resolver,
		net:          net,
		alloc:        alloc,
		registry:     registry,
		cfg:          cfg,
		newDriver:    newDriver,
		locks:        make(map[string]*sync.Mutex),
		guestClients: make(map[string]*guest.Client),
		nextCID:      3,
	}
}

// lockFor returns the single mutex every operation on id must hold,
// creating it on first use.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// CreateOptions describes a new machine, per §6's POST /machines body.
type CreateOptions struct {
	Name       string
	VCPUCount  int
	MemSizeMiB int
	ImageRef   string
	KernelArgs string
	SizeMiB    int // rootfs size; 0 means "use the configured default"
}

// machineConfig is the JSON shape persisted in Machine.ConfigBlob for
// fields that do not warrant their own column.
type machineConfig struct {
	ImageSizeMiB int `json:"image_size_mib,omitempty"`
}

// Create inserts a pending machine row. It does not resolve the image
// or acquire any resources — that happens in Start, so a machine can be
// created well before it is first started.
func (e *Engine) Create(id string, opts CreateOptions) (*store.Machine, error) {
	vcpus := opts.VCPUCount
	if vcpus <= 0 {
		vcpus = e.cfg.DefaultVCPUs
	}
	memMiB := opts.MemSizeMiB
	if memMiB <= 0 {
		memMiB = e.cfg.DefaultMemoryMB
	}

	blob, err := json.Marshal(machineConfig{ImageSizeMiB: opts.SizeMiB})
	if err != nil {
		return nil, &errs.Runtime{Cause: err}
	}

	m := &store.Machine{
		ID:          id,
		Name:        opts.Name,
		RuntimeType: store.RuntimeCloudHypervisor,
		VCPUCount:   vcpus,
		MemSizeMiB:  memMiB,
		KernelArgs:  opts.KernelArgs,
		ImageRef:    opts.ImageRef,
		ConfigBlob:  string(blob),
	}
	if err := e.store.CreateMachine(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a machine row by id.
func (e *Engine) Get(id string) (*store.Machine, error) {
	return e.store.GetMachine(id)
}

// List returns every machine.
func (e *Engine) List() ([]*store.Machine, error) {
	return e.store.ListMachines()
}

// Start runs the §4.8 start pipeline: resolve image, acquire network,
// boot the hypervisor, register in C8. Any failure rolls back whatever
// it acquired and leaves the machine in *failed* with error_message set.
func (e *Engine) Start(ctx context.Context, id string) (*store.Machine, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMachine(id)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusPending && m.Status != store.StatusStopped {
		return nil, &errs.Validation{Field: "status", Message: fmt.Sprintf("cannot start a machine in status %q", m.Status)}
	}

	m.Status = store.StatusStarting
	if err := e.store.UpdateMachine(m); err != nil {
		return nil, err
	}

	if startErr := e.runStartPipeline(ctx, m); startErr != nil {
		m.Status = store.StatusFailed
		m.ErrorMessage = startErr.Error()
		if uerr := e.store.UpdateMachine(m); uerr != nil {
			log.Printf("lifecycle: start(%s): failed to persist failed status: %v", id, uerr)
		}
		return m, startErr
	}

	return m, nil
}

func (e *Engine) runStartPipeline(ctx context.Context, m *store.Machine) error {
	var mc machineConfig
	json.Unmarshal([]byte(m.ConfigBlob), &mc) // best-effort; empty/invalid blob just means "use default size"

	ref, entry, err := e.resolver.Resolve(ctx, m.ImageRef, image.ResolveOptions{SizeMiB: mc.ImageSizeMiB})
	if err != nil {
		return err
	}
	m.ImageDigest = entry.Digest
	m.RootfsPath = entry.RootfsPath
	m.ImageRef = ref.Normalized

	lease, err := e.alloc.Lease(m.ID)
	if err != nil {
		return err
	}
	if err := e.acquireNetwork(ctx, lease); err != nil {
		e.alloc.Release(m.ID)
		return err
	}
	m.TapDevice = lease.TapDevice
	m.TapIP = lease.HostIP
	m.GuestIP = lease.GuestIP
	m.GuestMAC = lease.GuestMAC

	cfg := e.driverConfig(m, lease)
	m.ControlSocketPath = cfg.ControlSocket

	driver := e.newDriver(cfg)
	if err := driver.Start(ctx); err != nil {
		e.releaseNetwork(lease)
		e.alloc.Release(m.ID)
		return &errs.Hypervisor2{Op: "start", Cause: err}
	}

	pid := driver.GetPid()
	m.HostPID = &pid
	m.Status = store.StatusRunning
	if err := e.store.UpdateMachine(m); err != nil {
		driver.Stop(ctx, 1000)
		e.releaseNetwork(lease)
		e.alloc.Release(m.ID)
		return err
	}

	e.registry.Register(&runtimereg.Runtime{MachineID: m.ID, Driver: driver, PID: pid})
	e.wireGuestTransport(m.ID, driver)
	go e.watchForCrash(m.ID, driver)
	return nil
}

// watchForCrash is the crash-detection supervisor for one instance: it
// blocks on Wait() and, if the process exits while the store still
// believes the machine is running, transitions it to failed with the
// exit code recorded. A clean Stop() call races this goroutine
// harmlessly — by the time Wait returns, Stop has already moved the
// machine out of running, so the guard below is a no-op.
func (e *Engine) watchForCrash(id string, driver vmm.Driver) {
	exitCode, err := driver.Wait(context.Background())
	if err != nil {
		return
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMachine(id)
	if err != nil || m.Status != store.StatusRunning {
		return
	}

	if lease, ok := e.alloc.Get(id); ok {
		e.releaseNetwork(lease)
		e.alloc.Release(id)
	}
	e.registry.Remove(id)
	e.unwireGuestTransport(id)

	m.HostPID = nil
	m.Status = store.StatusFailed
	m.ErrorMessage = fmt.Sprintf("hypervisor process exited unexpectedly with code %d", exitCode)
	if uerr := e.store.UpdateMachine(m); uerr != nil {
		log.Printf("lifecycle: watchForCrash(%s): failed to persist failed status: %v", id, uerr)
	}
}

// acquireNetwork performs the full C6 attach sequence for one lease:
// create the tap, assign it a host-side address, and install NAT so the
// guest's outbound traffic reaches the wider network.
func (e *Engine) acquireNetwork(ctx context.Context, lease *hostnet.Lease) error {
	if err := e.net.CreateTap(ctx, lease.TapDevice, lease.HostIP); err != nil {
		return err
	}
	if err := e.net.SetupNAT(ctx, lease.TapDevice, lease.GuestIP); err != nil {
		e.net.DestroyTap(ctx, lease.TapDevice)
		return err
	}
	return nil
}

// releaseNetwork reverses acquireNetwork, best-effort.
func (e *Engine) releaseNetwork(lease *hostnet.Lease) {
	ctx := context.Background()
	e.net.RemoveNAT(ctx, lease.TapDevice, lease.GuestIP)
	e.net.DestroyTap(ctx, lease.TapDevice)
}

func (e *Engine) driverConfig(m *store.Machine, lease *hostnet.Lease) vmm.Config {
	sockDir := filepath.Join(e.cfg.DataDir, "sockets")
	cid := atomic.AddUint32(&e.nextCID, 1) - 1
	return vmm.Config{
		MachineID:     m.ID,
		KernelPath:    e.cfg.KernelPath,
		KernelArgs:    m.KernelArgs,
		RootfsPath:    m.RootfsPath,
		VCPUs:         m.VCPUCount,
		MemoryMB:      m.MemSizeMiB,
		TapDevice:     lease.TapDevice,
		GuestMAC:      lease.GuestMAC,
		ControlSocket: filepath.Join(sockDir, m.ID+".sock"),
		VsockSocket:   filepath.Join(sockDir, m.ID+"-vsock.sock"),
		VsockCID:      cid,
		VsockPort:     1024,
	}
}

// wireGuestTransport builds a Guest Transport client on top of the
// driver's accepted vsock connection and wires it back into the driver
// as its GuestExecutor, so HTTP-layer Exec/FileWrite/FileRead/FileStat
// calls can reach the guest once this returns.
func (e *Engine) wireGuestTransport(id string, driver vmm.Driver) {
	conn := driver.GuestConn()
	if conn == nil {
		return
	}
	client := guest.NewClient(conn, func(ctx context.Context) (net.Conn, error) {
		return driver.ReconnectGuest(ctx)
	})
	driver.SetGuestExecutor(client)

	e.guestMu.Lock()
	e.guestClients[id] = client
	e.guestMu.Unlock()
}

func (e *Engine) unwireGuestTransport(id string) {
	e.guestMu.Lock()
	delete(e.guestClients, id)
	e.guestMu.Unlock()
}

// Stop runs the §4.8 stop pipeline: graceful shutdown then kill,
// release the network lease, clear pid, unregister from C8.
func (e *Engine) Stop(ctx context.Context, id string, graceMs int) (*store.Machine, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMachine(id)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusRunning && m.Status != store.StatusPaused {
		return nil, &errs.Validation{Field: "status", Message: fmt.Sprintf("cannot stop a machine in status %q", m.Status)}
	}

	m.Status = store.StatusStopping
	if err := e.store.UpdateMachine(m); err != nil {
		return nil, err
	}

	rt, _ := e.registry.Get(id)
	if rt != nil {
		if err := rt.Driver.Stop(ctx, graceMs); err != nil {
			log.Printf("lifecycle: stop(%s): driver stop returned %v, proceeding with teardown", id, err)
		}
	}

	if lease, ok := e.alloc.Get(id); ok {
		e.releaseNetwork(lease)
		e.alloc.Release(id)
	}
	e.registry.Remove(id)
	e.unwireGuestTransport(id)

	m.HostPID = nil
	m.Status = store.StatusStopped
	if err := e.store.UpdateMachine(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Pause suspends a running machine, retaining RAM.
func (e *Engine) Pause(ctx context.Context, id string) (*store.Machine, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMachine(id)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusRunning {
		return nil, &errs.Validation{Field: "status", Message: fmt.Sprintf("cannot pause a machine in status %q", m.Status)}
	}
	rt, ok := e.registry.Get(id)
	if !ok {
		return nil, &errs.Runtime{Cause: fmt.Errorf("machine %s has no registered runtime", id)}
	}
	if err := rt.Driver.Pause(ctx); err != nil {
		return nil, &errs.Hypervisor2{Op: "pause", Cause: err}
	}

	m.Status = store.StatusPaused
	if err := e.store.UpdateMachine(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Resume resumes a paused machine.
func (e *Engine) Resume(ctx context.Context, id string) (*store.Machine, error) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMachine(id)
	if err != nil {
		return nil, err
	}
	if m.Status != store.StatusPaused {
		return nil, &errs.Validation{Field: "status", Message: fmt.Sprintf("cannot resume a machine in status %q", m.Status)}
	}
	rt, ok := e.registry.Get(id)
	if !ok {
		return nil, &errs.Runtime{Cause: fmt.Errorf("machine %s has no registered runtime", id)}
	}
	if err := rt.Driver.Resume(ctx); err != nil {
		return nil, &errs.Hypervisor2{Op: "resume", Cause: err}
	}

	m.Status = store.StatusRunning
	if err := e.store.UpdateMachine(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes a machine row, permitted only from a non-active state.
// It best-effort cleans up rootfs side-artifacts but never evicts the
// shared cached image.
func (e *Engine) Delete(ctx context.Context, id string) error {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := e.store.GetMachine(id)
	if err != nil {
		return err
	}
	switch m.Status {
	case store.StatusPending, store.StatusStopped, store.StatusFailed:
	default:
		return &errs.Validation{Field: "status", Message: fmt.Sprintf("cannot delete a machine in status %q", m.Status)}
	}

	if m.ControlSocketPath != "" {
		os.Remove(m.ControlSocketPath)
	}

	if err := e.store.DeleteMachine(id); err != nil {
		return err
	}

	e.idMu.Lock()
	delete(e.locks, id)
	e.idMu.Unlock()
	return nil
}

// Exec forwards to the registered driver's GuestExecutor via C7.
func (e *Engine) Exec(ctx context.Context, id string, cmd []string, timeoutMs int) (vmm.ExecResult, error) {
	rt, ok := e.registry.Get(id)
	if !ok {
		return vmm.ExecResult{}, &errs.Validation{Field: "status", Message: fmt.Sprintf("machine %s is not running", id)}
	}
	return rt.Driver.Exec(ctx, cmd, timeoutMs)
}

// GuestClient returns the C7 client wired to id's driver, for file
// operations the httpapi layer needs beyond the narrow vmm.GuestExecutor
// interface (FileWrite/FileRead/FileStat).
func (e *Engine) GuestClient(id string) (*guest.Client, error) {
	e.guestMu.Lock()
	client, ok := e.guestClients[id]
	e.guestMu.Unlock()
	if !ok {
		return nil, &errs.Vsock{Op: "files", Cause: fmt.Errorf("guest transport not established for %s", id)}
	}
	return client, nil
}

// Shutdown stops every currently-registered machine, best-effort, used
// on process exit.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, id := range e.registry.ListRunning() {
		if _, err := e.Stop(ctx, id, 5000); err != nil {
			log.Printf("lifecycle: shutdown: stop(%s): %v", id, err)
		}
	}
}

// RebuildFromStore probes every machine the store believes is running
// and transitions the ones whose process has died to failed. Machines
// found genuinely alive cannot be re-registered without redialing the
// hypervisor's control socket, which Hyperfleet does not attempt across
// a restart — they are also marked failed, with a message explaining
// why, so an operator can restart them explicitly. Every machine marked
// failed here also has its tap device and NAT rules torn down: the
// in-memory allocator starts empty on a fresh process and has no record
// of these leases, so without this sweep the tap devices from the prior
// process leak until someone cleans them up by hand.
func (e *Engine) RebuildFromStore() error {
	running, err := e.store.ListMachinesByStatus(store.StatusRunning)
	if err != nil {
		return err
	}
	_, deadIDs := runtimereg.Rebuild(running, runtimereg.ProbeProcess)
	dead := make(map[string]bool, len(deadIDs))
	for _, id := range deadIDs {
		dead[id] = true
	}

	for _, m := range running {
		msg := "process control lost across daemon restart"
		if dead[m.ID] {
			msg = "hypervisor process no longer running"
		}
		m.Status = store.StatusFailed
		m.ErrorMessage = msg
		m.HostPID = nil
		e.sweepOrphanNetwork(m)
		if err := e.store.UpdateMachine(m); err != nil {
			return err
		}
	}
	return nil
}

// sweepOrphanNetwork releases the tap device and NAT rules a crashed
// machine left behind. It reads tap_device/guest_ip straight from the
// store row rather than the allocator, since the allocator is
// reconstructed empty on every daemon start and never learns about
// leases from a prior process.
func (e *Engine) sweepOrphanNetwork(m *store.Machine) {
	if m.TapDevice == "" {
		return
	}
	e.releaseNetwork(&hostnet.Lease{TapDevice: m.TapDevice, GuestIP: m.GuestIP})
}
