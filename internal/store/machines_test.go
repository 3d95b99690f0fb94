package store

import (
	"errors"
	"testing"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

func TestMachine_CreateGetUpdateDelete(t *testing.T) {
	d := openTestDB(t)

	m := &Machine{
		ID:          "mach1",
		Name:        "web-1",
		RuntimeType: RuntimeCloudHypervisor,
		VCPUCount:   2,
		MemSizeMiB:  512,
		ImageRef:    "alpine:latest",
	}
	if err := d.CreateMachine(m); err != nil {
		t.Fatalf("CreateMachine: %v", err)
	}
	if m.Status != StatusPending {
		t.Fatalf("Status = %v, want pending", m.Status)
	}

	got, err := d.GetMachine("mach1")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if got.Name != "web-1" || got.VCPUCount != 2 {
		t.Fatalf("got %+v", got)
	}

	got.Status = StatusStarting
	got.TapDevice = "tap0"
	got.GuestIP = "172.20.0.2"
	if err := d.UpdateMachine(got); err != nil {
		t.Fatalf("UpdateMachine: %v", err)
	}

	reloaded, err := d.GetMachine("mach1")
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != StatusStarting || reloaded.TapDevice != "tap0" {
		t.Fatalf("got %+v", reloaded)
	}
	if !reloaded.UpdatedAt.After(m.UpdatedAt) {
		t.Errorf("UpdatedAt did not advance: %v vs %v", reloaded.UpdatedAt, m.UpdatedAt)
	}

	if err := d.DeleteMachine("mach1"); err != nil {
		t.Fatalf("DeleteMachine: %v", err)
	}
	if _, err := d.GetMachine("mach1"); !errors.As(err, new(*errs.NotFound)) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestMachine_GetMissing(t *testing.T) {
	d := openTestDB(t)
	_, err := d.GetMachine("nope")
	var nf *errs.NotFound
	if !errors.As(err, &nf) {
		t.Fatalf("got %v, want *errs.NotFound", err)
	}
	if nf.Kind != "machine" {
		t.Errorf("Kind = %q, want machine", nf.Kind)
	}
}

func TestMachine_UpdateMissing(t *testing.T) {
	d := openTestDB(t)
	m := &Machine{ID: "ghost", Name: "x", RuntimeType: RuntimeDocker, UpdatedAt: time.Now()}
	if err := d.UpdateMachine(m); !errors.As(err, new(*errs.NotFound)) {
		t.Fatalf("got %v, want *errs.NotFound", err)
	}
}

func TestMachine_ListByStatus(t *testing.T) {
	d := openTestDB(t)
	for i, name := range []string{"a", "b", "c"} {
		m := &Machine{ID: name, Name: name, RuntimeType: RuntimeFirecracker, VCPUCount: 1, MemSizeMiB: 256}
		if err := d.CreateMachine(m); err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			m.Status = StatusRunning
			pid := 1000 + i
			m.HostPID = &pid
			if err := d.UpdateMachine(m); err != nil {
				t.Fatal(err)
			}
		}
	}

	running, err := d.ListMachinesByStatus(StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "b" {
		t.Fatalf("got %+v, want exactly machine b", running)
	}

	all, err := d.ListMachines()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
}

func TestMachine_TapDeviceUniqueness(t *testing.T) {
	d := openTestDB(t)
	m1 := &Machine{ID: "m1", Name: "m1", RuntimeType: RuntimeCloudHypervisor, VCPUCount: 1, MemSizeMiB: 256}
	m2 := &Machine{ID: "m2", Name: "m2", RuntimeType: RuntimeCloudHypervisor, VCPUCount: 1, MemSizeMiB: 256}
	if err := d.CreateMachine(m1); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateMachine(m2); err != nil {
		t.Fatal(err)
	}

	m1.TapDevice = "tap7"
	if err := d.UpdateMachine(m1); err != nil {
		t.Fatal(err)
	}
	m2.TapDevice = "tap7"
	if err := d.UpdateMachine(m2); err == nil {
		t.Fatal("expected unique constraint violation on duplicate tap_device")
	}
}

func TestMachine_UpdateStatus(t *testing.T) {
	d := openTestDB(t)
	m := &Machine{ID: "m1", Name: "m1", RuntimeType: RuntimeDocker, VCPUCount: 1, MemSizeMiB: 128}
	if err := d.CreateMachine(m); err != nil {
		t.Fatal(err)
	}
	if err := d.UpdateStatus("m1", StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	got, err := d.GetMachine("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "boom" {
		t.Fatalf("got %+v", got)
	}
}
