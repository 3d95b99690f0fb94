package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// Status is a machine's lifecycle state, per the C9 state graph.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// RuntimeType selects the hypervisor backend a machine boots under.
type RuntimeType string

const (
	RuntimeFirecracker    RuntimeType = "firecracker"
	RuntimeCloudHypervisor RuntimeType = "cloud-hypervisor"
	RuntimeDocker         RuntimeType = "docker"
)

// Machine is the durable row backing one microVM. Mutated only by the
// lifecycle engine; status is authoritative over whatever the runtime
// registry believes about the same id.
type Machine struct {
	ID                string
	Name              string
	Status            Status
	RuntimeType       RuntimeType
	VCPUCount         int
	MemSizeMiB        int
	KernelImagePath   string
	KernelArgs        string
	RootfsPath        string
	ControlSocketPath string
	TapDevice         string
	TapIP             string
	GuestIP           string
	GuestMAC          string
	HostPID           *int
	ImageRef          string
	ImageDigest       string
	ConfigBlob        string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateMachine inserts a new machine row. The caller sets ID, Name,
// RuntimeType, VCPUCount, MemSizeMiB, and optionally ImageRef/ConfigBlob;
// Status is forced to pending and timestamps to now, matching the
// engine's "created by the engine (pending)" lifecycle rule.
func (d *DB) CreateMachine(m *Machine) error {
	now := time.Now().UTC()
	m.Status = StatusPending
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.ConfigBlob == "" {
		m.ConfigBlob = "{}"
	}

	_, err := d.db.Exec(`
		INSERT INTO machines (
			id, name, status, runtime_type, vcpu_count, mem_size_mib,
			kernel_image_path, kernel_args, rootfs_path, control_socket_path,
			tap_device, tap_ip, guest_ip, guest_mac, host_pid,
			image_ref, image_digest, config_blob, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Name, string(m.Status), string(m.RuntimeType), m.VCPUCount, m.MemSizeMiB,
		m.KernelImagePath, m.KernelArgs, m.RootfsPath, m.ControlSocketPath,
		m.TapDevice, m.TapIP, m.GuestIP, m.GuestMAC, nullableInt(m.HostPID),
		m.ImageRef, m.ImageDigest, m.ConfigBlob, m.ErrorMessage,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return err
}

// GetMachine returns a machine by id, or *errs.NotFound.
func (d *DB) GetMachine(id string) (*Machine, error) {
	row := d.db.QueryRow(machineSelectCols+` FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if err == sql.ErrNoRows {
		return nil, &errs.NotFound{Kind: "machine", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMachines returns every machine, newest first.
func (d *DB) ListMachines() ([]*Machine, error) {
	rows, err := d.db.Query(machineSelectCols + ` FROM machines ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMachinesByStatus returns every machine in the given status, used by
// the runtime registry to rebuild its process-local state on boot.
func (d *DB) ListMachinesByStatus(status Status) ([]*Machine, error) {
	rows, err := d.db.Query(machineSelectCols+` FROM machines WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMachine replaces every mutable field of an existing row and bumps
// updated_at monotonically (forced to max(now, previous updated_at) so
// fast successive updates never regress the timestamp). Returns
// *errs.NotFound if the id does not exist.
func (d *DB) UpdateMachine(m *Machine) error {
	now := time.Now().UTC()
	if !now.After(m.UpdatedAt) {
		now = m.UpdatedAt.Add(time.Microsecond)
	}
	m.UpdatedAt = now

	res, err := d.db.Exec(`
		UPDATE machines SET
			name = ?, status = ?, runtime_type = ?, vcpu_count = ?, mem_size_mib = ?,
			kernel_image_path = ?, kernel_args = ?, rootfs_path = ?, control_socket_path = ?,
			tap_device = ?, tap_ip = ?, guest_ip = ?, guest_mac = ?, host_pid = ?,
			image_ref = ?, image_digest = ?, config_blob = ?, error_message = ?,
			updated_at = ?
		WHERE id = ?
	`, m.Name, string(m.Status), string(m.RuntimeType), m.VCPUCount, m.MemSizeMiB,
		m.KernelImagePath, m.KernelArgs, m.RootfsPath, m.ControlSocketPath,
		m.TapDevice, m.TapIP, m.GuestIP, m.GuestMAC, nullableInt(m.HostPID),
		m.ImageRef, m.ImageDigest, m.ConfigBlob, m.ErrorMessage,
		formatTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errs.NotFound{Kind: "machine", ID: m.ID}
	}
	return nil
}

// UpdateStatus is a narrow convenience for transitions that touch only
// status and, on failure, error_message.
func (d *DB) UpdateStatus(id string, status Status, errorMessage string) error {
	res, err := d.db.Exec(`
		UPDATE machines SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, string(status), errorMessage, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errs.NotFound{Kind: "machine", ID: id}
	}
	return nil
}

// DeleteMachine removes a machine row. The caller is responsible for
// verifying the status is non-active before calling this (the engine
// enforces this at the C9 layer, not here).
func (d *DB) DeleteMachine(id string) error {
	res, err := d.db.Exec(`DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errs.NotFound{Kind: "machine", ID: id}
	}
	return nil
}

const machineSelectCols = `
	SELECT id, name, status, runtime_type, vcpu_count, mem_size_mib,
		kernel_image_path, kernel_args, rootfs_path, control_socket_path,
		tap_device, tap_ip, guest_ip, guest_mac, host_pid,
		image_ref, image_digest, config_blob, error_message,
		created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row *sql.Row) (*Machine, error) {
	return scanMachineFrom(row)
}

func scanMachineRow(rows *sql.Rows) (*Machine, error) {
	return scanMachineFrom(rows)
}

func scanMachineFrom(s scanner) (*Machine, error) {
	var m Machine
	var status, runtimeType, createdAt, updatedAt string
	var hostPID sql.NullInt64

	err := s.Scan(
		&m.ID, &m.Name, &status, &runtimeType, &m.VCPUCount, &m.MemSizeMiB,
		&m.KernelImagePath, &m.KernelArgs, &m.RootfsPath, &m.ControlSocketPath,
		&m.TapDevice, &m.TapIP, &m.GuestIP, &m.GuestMAC, &hostPID,
		&m.ImageRef, &m.ImageDigest, &m.ConfigBlob, &m.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.RuntimeType = RuntimeType(runtimeType)
	if hostPID.Valid {
		v := int(hostPID.Int64)
		m.HostPID = &v
	}
	m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &m, nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
