// Package hostnet implements the Host Network component (C6): tap device
// allocation, bridge attachment, and NAT rules for guest egress. Every
// operation shells out to ip/iptables; non-zero exits are wrapped in
// *errs.Runtime with stderr preserved.
package hostnet

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// CommandExecutor runs a host command and reports stdout/stderr/error.
// A fake implementation backs the package's tests without touching real
// network devices.
type CommandExecutor interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// execExecutor shells out via os/exec — the production CommandExecutor.
type execExecutor struct{}

// NewExecutor returns the real, os/exec-backed CommandExecutor.
func NewExecutor() CommandExecutor { return execExecutor{} }

func (execExecutor) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// runWrapped runs name(args...) via exec and wraps any failure in
// *errs.Runtime with stderr preserved, per spec §4.5.
func runWrapped(ctx context.Context, exec CommandExecutor, name string, args ...string) error {
	_, stderr, err := exec.Run(ctx, name, args...)
	if err != nil {
		return &errs.Runtime{Cause: fmt.Errorf("%s %v: %w: %s", name, args, err, stderr)}
	}
	return nil
}
