package vmm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/resilience"
)

// CloudHypervisorDriver implements Driver against one Cloud Hypervisor
// process, controlled over its unix-socket REST API. One instance exists
// per machine — it owns exactly one VM.
type CloudHypervisorDriver struct {
	mu  sync.Mutex
	cfg Config

	chBin string

	client  *chClient
	breaker *resilience.CircuitBreaker

	cmd      *exec.Cmd
	done     chan struct{}
	exited   bool
	exitCode int
	pid      int

	vsockLn   net.Listener
	guestConn net.Conn

	guestExec GuestExecutor
}

// NewCloudHypervisorDriver returns a Driver for one machine. chBin is the
// resolved path to the cloud-hypervisor binary.
func NewCloudHypervisorDriver(cfg Config, chBin string) *CloudHypervisorDriver {
	return &CloudHypervisorDriver{
		cfg:     cfg,
		chBin:   chBin,
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second, 2),
	}
}

// vsockListenPath is the unix socket path Cloud Hypervisor exposes per
// vsock port — CH appends "_<port>" to the configured vsock socket path.
func (d *CloudHypervisorDriver) vsockListenPath() string {
	return fmt.Sprintf("%s_%d", d.cfg.VsockSocket, d.cfg.VsockPort)
}

func (d *CloudHypervisorDriver) Start(ctx context.Context) error {
	os.Remove(d.vsockListenPath())
	os.Remove(d.cfg.VsockSocket)
	vsockLn, err := net.Listen("unix", d.vsockListenPath())
	if err != nil {
		return &errs.Hypervisor2{Op: "listen vsock", Cause: err}
	}

	os.Remove(d.cfg.ControlSocket)
	cmd := exec.CommandContext(context.Background(), d.chBin, "--api-socket", d.cfg.ControlSocket)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		vsockLn.Close()
		return &errs.Hypervisor2{Op: "spawn cloud-hypervisor", Cause: err}
	}

	d.mu.Lock()
	d.cmd = cmd
	d.pid = cmd.Process.Pid
	d.vsockLn = vsockLn
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go func() {
		state, _ := cmd.Process.Wait()
		d.mu.Lock()
		d.exited = true
		if state != nil {
			d.exitCode = state.ExitCode()
		}
		d.mu.Unlock()
		close(done)
	}()

	if err := waitForSocket(ctx, d.cfg.ControlSocket); err != nil {
		d.killAndWait()
		vsockLn.Close()
		return &errs.Hypervisor2{Op: "wait for api socket", Cause: err}
	}

	d.client = newCHClient(d.cfg.ControlSocket)

	if err := d.bootVM(ctx); err != nil {
		d.killAndWait()
		vsockLn.Close()
		return err
	}

	conn, err := d.acceptGuest(ctx)
	if err != nil {
		d.killAndWait()
		return err
	}
	d.mu.Lock()
	d.guestConn = conn
	d.mu.Unlock()
	return nil
}

func (d *CloudHypervisorDriver) bootVM(ctx context.Context) error {
	memBytes := int64(d.cfg.MemoryMB) * 1024 * 1024

	createPayload := map[string]any{
		"payload": map[string]any{
			"kernel":  d.cfg.KernelPath,
			"cmdline": d.cfg.KernelArgs,
		},
		"cpus": map[string]any{
			"boot_vcpus": d.cfg.VCPUs,
			"max_vcpus":  d.cfg.VCPUs,
		},
		"memory": map[string]any{
			"size":   memBytes,
			"shared": true,
		},
		"disks": []map[string]any{
			{"path": d.cfg.RootfsPath},
		},
		"net": []map[string]any{
			{"tap": d.cfg.TapDevice, "mac": d.cfg.GuestMAC},
		},
		"vsock": map[string]any{
			"cid":    d.cfg.VsockCID,
			"socket": d.cfg.VsockSocket,
		},
	}

	if _, err := d.callAPI(ctx, "/api/v1/vm.create", createPayload); err != nil {
		return err
	}
	if _, err := d.callAPI(ctx, "/api/v1/vm.boot", nil); err != nil {
		return err
	}
	return nil
}

func (d *CloudHypervisorDriver) acceptGuest(ctx context.Context) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(90 * time.Second)
	}
	if unixLn, ok := d.vsockLn.(*net.UnixListener); ok {
		unixLn.SetDeadline(deadline)
	}
	conn, err := d.vsockLn.Accept()
	if err != nil {
		return nil, &errs.Vsock{Op: "accept", Cause: fmt.Errorf("guest did not connect: %w", err)}
	}
	return conn, nil
}

// GuestConn returns the raw vsock connection accepted during Start, for
// the caller to build a Guest Transport (C7) client on top of. Returns
// nil if Start has not completed successfully.
func (d *CloudHypervisorDriver) GuestConn() net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestConn
}

// ReconnectGuest accepts a fresh guest connection on the still-open
// vsock listener. The Guest Transport (C7) calls this to implement its
// reconnect-once-on-failure policy — the guest agent re-dials after a
// crash or transport error, and the host simply accepts again.
func (d *CloudHypervisorDriver) ReconnectGuest(ctx context.Context) (net.Conn, error) {
	return d.acceptGuest(ctx)
}

func (d *CloudHypervisorDriver) Stop(ctx context.Context, graceMs int) error {
	defer d.closeVsockListener()

	_, err := d.callAPI(ctx, "/api/v1/vm.shutdown", nil)
	if err == nil {
		select {
		case <-d.doneChan():
			return nil
		case <-time.After(time.Duration(graceMs) * time.Millisecond):
		}
	}
	d.killAndWait()
	return nil
}

func (d *CloudHypervisorDriver) closeVsockListener() {
	d.mu.Lock()
	ln := d.vsockLn
	d.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (d *CloudHypervisorDriver) Pause(ctx context.Context) error {
	_, err := d.callAPI(ctx, "/api/v1/vm.pause", nil)
	return err
}

func (d *CloudHypervisorDriver) Resume(ctx context.Context) error {
	_, err := d.callAPI(ctx, "/api/v1/vm.resume", nil)
	return err
}

func (d *CloudHypervisorDriver) SetGuestExecutor(ge GuestExecutor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guestExec = ge
}

func (d *CloudHypervisorDriver) Exec(ctx context.Context, cmd []string, timeoutMs int) (ExecResult, error) {
	d.mu.Lock()
	ge := d.guestExec
	d.mu.Unlock()
	if ge == nil {
		return ExecResult{}, &errs.Vsock{Op: "exec", Cause: fmt.Errorf("guest transport not yet established")}
	}
	return ge.Exec(ctx, cmd, timeoutMs)
}

func (d *CloudHypervisorDriver) Wait(ctx context.Context) (int, error) {
	select {
	case <-d.doneChan():
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *CloudHypervisorDriver) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cmd != nil && !d.exited
}

func (d *CloudHypervisorDriver) GetPid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

func (d *CloudHypervisorDriver) GetInfo() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Info{
		Running:  d.cmd != nil && !d.exited,
		Pid:      d.pid,
		VCPUs:    d.cfg.VCPUs,
		MemoryMB: d.cfg.MemoryMB,
	}
}

func (d *CloudHypervisorDriver) doneChan() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		d.done = make(chan struct{})
		close(d.done)
	}
	return d.done
}

func (d *CloudHypervisorDriver) killAndWait() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
	<-d.doneChan()
}

// callAPI issues one Cloud Hypervisor REST call under the resilience
// stack: a per-call timeout, bounded retry on transport errors, and the
// driver's breaker. 5xx and 4xx responses surface as *errs.VMM.
func (d *CloudHypervisorDriver) callAPI(ctx context.Context, path string, body any) ([]byte, error) {
	retryOpts := resilience.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
		RetryOn:      isRetryableVMMError,
	}

	return resilience.Call(d.breaker, func() ([]byte, error) {
		return resilience.WithRetry(ctx, retryOpts, func(ctx context.Context) ([]byte, error) {
			return resilience.WithTimeout(ctx, 5000, path, func(ctx context.Context) ([]byte, error) {
				status, respBody, err := d.client.put(ctx, path, body)
				if err != nil {
					return nil, err
				}
				if status >= 300 {
					return nil, &errs.VMM{StatusCode: status, Body: string(respBody)}
				}
				return respBody, nil
			})
		})
	})
}

// isRetryableVMMError retries bare transport failures and upstream 5xx
// responses, but not 4xx — a malformed request will not succeed on
// retry.
func isRetryableVMMError(err error) bool {
	var vmmErr *errs.VMM
	if errors.As(err, &vmmErr) {
		return vmmErr.StatusCode >= 500
	}
	return true
}
