// Package vmm implements the Hypervisor Driver (C5): spawning and
// controlling a Cloud Hypervisor process over its unix-domain-socket REST
// API, with every call running under the resilience stack (timeout,
// bounded retry, per-instance breaker).
package vmm

import (
	"context"
	"fmt"
	"net"
)

// Config describes how to create and boot one machine's VM.
type Config struct {
	MachineID     string
	KernelPath    string
	KernelArgs    string
	RootfsPath    string
	VCPUs         int
	MemoryMB      int
	TapDevice     string
	GuestMAC      string
	ControlSocket string // Cloud Hypervisor API socket path
	VsockSocket   string // vsock unix socket path (without _PORT suffix)
	VsockCID      uint32
	VsockPort     uint32
}

// Info is a point-in-time snapshot of a running instance, returned by
// GetInfo.
type Info struct {
	Running  bool
	Pid      int
	VCPUs    int
	MemoryMB int
}

func (i Info) String() string {
	return fmt.Sprintf("running=%v pid=%d vcpus=%d mem=%dMB", i.Running, i.Pid, i.VCPUs, i.MemoryMB)
}

// ExecResult is the result of a command executed inside the guest via
// the Guest Transport (C7).
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// GuestExecutor forwards exec() calls to C7 (Guest Transport). Defined
// here rather than imported from internal/guest so this package never
// depends on the guest RPC client directly — the driver only needs "can
// run a command", wired in by the lifecycle engine once the vsock
// connection is established at Start.
type GuestExecutor interface {
	Exec(ctx context.Context, cmd []string, timeoutMs int) (ExecResult, error)
}

// Driver is the per-instance hypervisor control surface. All Hyperfleet
// lifecycle logic calls this interface — it never speaks the Cloud
// Hypervisor wire protocol directly.
type Driver interface {
	// Start spawns the hypervisor process, configures boot source, disk,
	// vsock device and network interface via the UDS HTTP API, then
	// issues vm.boot. Blocks until boot is acknowledged. Records the PID.
	Start(ctx context.Context) error

	// Stop posts a shutdown action, waits up to grace (ms), then
	// SIGKILLs if the process has not exited by then.
	Stop(ctx context.Context, graceMs int) error

	// Pause suspends the VM, retaining RAM.
	Pause(ctx context.Context) error

	// Resume resumes a paused VM.
	Resume(ctx context.Context) error

	// SetGuestExecutor wires the Guest Transport connection established
	// once the guest agent has connected over vsock. Exec fails with
	// *errs.Vsock until this has been called.
	SetGuestExecutor(ge GuestExecutor)

	// Exec forwards to the wired GuestExecutor.
	Exec(ctx context.Context, cmd []string, timeoutMs int) (ExecResult, error)

	// Wait blocks until the hypervisor process exits and returns its
	// exit code.
	Wait(ctx context.Context) (int, error)

	// IsRunning reports whether the hypervisor process is alive.
	IsRunning() bool

	// GetPid returns the hypervisor process's PID, or 0 if not started.
	GetPid() int

	// GetInfo returns a snapshot of the instance's current state.
	GetInfo() Info

	// GuestConn returns the vsock connection accepted from the guest
	// agent at Start, or nil if the guest has not connected yet.
	GuestConn() net.Conn

	// ReconnectGuest accepts a fresh guest connection on the same vsock
	// listener, used by the Guest Transport (C7) client to recover after
	// a transport failure.
	ReconnectGuest(ctx context.Context) (net.Conn, error)
}
