package hostnet

import (
	"context"
	"fmt"
	"strings"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// Net is a handle to the host networking primitives, parameterized by a
// CommandExecutor so tests can substitute a fake one.
type Net struct {
	exec CommandExecutor
}

// New returns a Net backed by the given executor. Pass NewExecutor() in
// production.
func New(exec CommandExecutor) *Net {
	return &Net{exec: exec}
}

// EnableIPForward enables IPv4 packet forwarding, a one-time host setting
// required before any guest can reach the outside network.
func (n *Net) EnableIPForward(ctx context.Context) error {
	_, stderr, err := n.exec.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
	if err != nil {
		return &errs.Runtime{Cause: fmt.Errorf("sysctl ip_forward: %w: %s", err, stderr)}
	}
	return nil
}

// CreateTap creates a tap device and assigns it hostIP/30, idempotently:
// "File exists" from `ip tuntap add` or `ip addr add` is not an error,
// since a prior crash may have left the device behind.
func (n *Net) CreateTap(ctx context.Context, name, hostIP string) error {
	if err := runIdempotent(ctx, n.exec, "ip", "tuntap", "add", "dev", name, "mode", "tap"); err != nil {
		return err
	}
	if err := runIdempotent(ctx, n.exec, "ip", "addr", "add", hostIP+"/30", "dev", name); err != nil {
		n.DestroyTap(ctx, name)
		return err
	}
	if err := runWrapped(ctx, n.exec, "ip", "link", "set", name, "up"); err != nil {
		n.DestroyTap(ctx, name)
		return err
	}
	return nil
}

// DestroyTap removes a tap device. Best-effort: errors are swallowed
// since this runs on cleanup paths where the device may already be gone.
func (n *Net) DestroyTap(ctx context.Context, name string) {
	n.exec.Run(ctx, "ip", "link", "del", name)
}

// AttachToBridge adds tap to bridge, idempotently ("already a member" is
// not an error).
func (n *Net) AttachToBridge(ctx context.Context, tap, bridge string) error {
	return runIdempotent(ctx, n.exec, "ip", "link", "set", tap, "master", bridge)
}

// SetupNAT installs MASQUERADE and FORWARD rules so traffic from the
// guest subnet (guestIP/30) can reach the outside network via tapName.
func (n *Net) SetupNAT(ctx context.Context, tapName, guestIP string) error {
	src := guestIP + "/30"
	if err := runWrapped(ctx, n.exec, "iptables", "-t", "nat", "-A", "POSTROUTING", "-s", src, "-j", "MASQUERADE"); err != nil {
		return err
	}
	if err := runWrapped(ctx, n.exec, "iptables", "-A", "FORWARD", "-i", tapName, "-j", "ACCEPT"); err != nil {
		n.removeNATRule(ctx, "-t", "nat", "-D", "POSTROUTING", "-s", src, "-j", "MASQUERADE")
		return err
	}
	if err := runWrapped(ctx, n.exec, "iptables", "-A", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		n.RemoveNAT(ctx, tapName, guestIP)
		return err
	}
	return nil
}

// RemoveNAT reverses SetupNAT. Best-effort: a torn-down machine's rules
// may already be gone (process crash, double teardown), so failures here
// are swallowed rather than surfaced.
func (n *Net) RemoveNAT(ctx context.Context, tapName, guestIP string) {
	src := guestIP + "/30"
	n.removeNATRule(ctx, "-t", "nat", "-D", "POSTROUTING", "-s", src, "-j", "MASQUERADE")
	n.removeNATRule(ctx, "-D", "FORWARD", "-i", tapName, "-j", "ACCEPT")
	n.removeNATRule(ctx, "-D", "FORWARD", "-o", tapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
}

func (n *Net) removeNATRule(ctx context.Context, args ...string) {
	n.exec.Run(ctx, "iptables", args...)
}

// runIdempotent runs a command, treating "File exists" / "already a
// member" stderr output as success rather than failure.
func runIdempotent(ctx context.Context, exec CommandExecutor, name string, args ...string) error {
	_, stderr, err := exec.Run(ctx, name, args...)
	if err == nil {
		return nil
	}
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "file exists") || strings.Contains(lower, "already a member") {
		return nil
	}
	return &errs.Runtime{Cause: fmt.Errorf("%s %v: %w: %s", name, args, err, stderr)}
}
