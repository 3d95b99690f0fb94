package vmm

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/resilience"
)

func TestCloudHypervisorDriver_ExecBeforeGuestExecutorFails(t *testing.T) {
	d := NewCloudHypervisorDriver(Config{MachineID: "m1"}, "/usr/bin/cloud-hypervisor")

	_, err := d.Exec(context.Background(), []string{"echo", "hi"}, 1000)
	if err == nil {
		t.Fatal("expected error before SetGuestExecutor is called")
	}
	if _, ok := err.(*errs.Vsock); !ok {
		t.Fatalf("got %T, want *errs.Vsock", err)
	}
}

type fakeGuestExecutor struct {
	result ExecResult
	err    error
}

func (f fakeGuestExecutor) Exec(ctx context.Context, cmd []string, timeoutMs int) (ExecResult, error) {
	return f.result, f.err
}

func TestCloudHypervisorDriver_ExecForwardsToGuestExecutor(t *testing.T) {
	d := NewCloudHypervisorDriver(Config{MachineID: "m1"}, "/usr/bin/cloud-hypervisor")
	d.SetGuestExecutor(fakeGuestExecutor{result: ExecResult{ExitCode: 0, Stdout: "hi\n"}})

	res, err := d.Exec(context.Background(), []string{"echo", "hi"}, 1000)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hi\n")
	}
}

func TestCloudHypervisorDriver_GetInfoBeforeStart(t *testing.T) {
	d := NewCloudHypervisorDriver(Config{MachineID: "m1", VCPUs: 2, MemoryMB: 512}, "/usr/bin/cloud-hypervisor")

	info := d.GetInfo()
	if info.Running {
		t.Error("expected Running=false before Start")
	}
	if d.GetPid() != 0 {
		t.Errorf("GetPid() = %d, want 0", d.GetPid())
	}
	if d.IsRunning() {
		t.Error("expected IsRunning()=false before Start")
	}
}

func TestIsRetryableVMMError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&errs.VMM{StatusCode: 500}, true},
		{&errs.VMM{StatusCode: 503}, true},
		{&errs.VMM{StatusCode: 400}, false},
		{&errs.VMM{StatusCode: 404}, false},
		{context.DeadlineExceeded, true},
	}
	for _, c := range cases {
		if got := isRetryableVMMError(c.err); got != c.want {
			t.Errorf("isRetryableVMMError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCloudHypervisorDriver_CallAPI_OpensBreakerOnRepeatedFailure(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ch.sock")
	calls := 0
	newFakeCHServer(t, sock, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	d := NewCloudHypervisorDriver(Config{MachineID: "m1"}, "/usr/bin/cloud-hypervisor")
	d.client = newCHClient(sock)
	d.breaker = resilience.NewCircuitBreaker(2, time.Minute, 1)

	for i := 0; i < 2; i++ {
		if _, err := d.callAPI(context.Background(), "/api/v1/vm.pause", nil); err == nil {
			t.Fatal("expected failure")
		}
	}

	if _, err := d.callAPI(context.Background(), "/api/v1/vm.pause", nil); err == nil {
		t.Fatal("expected breaker to be open")
	} else if _, ok := err.(*errs.CircuitOpen); !ok {
		t.Fatalf("got %T, want *errs.CircuitOpen once breaker opens", err)
	}
}
