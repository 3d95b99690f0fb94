// Package httpapi implements Hyperfleet's external HTTP surface (§6):
// JSON request/response bodies, bearer-token authentication against the
// durable API key store, and the §6 error envelope over the C1 taxonomy.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/guest"
	"github.com/xfeldman/hyperfleet/internal/lifecycle"
	"github.com/xfeldman/hyperfleet/internal/store"
	"github.com/xfeldman/hyperfleet/internal/version"
	"github.com/xfeldman/hyperfleet/internal/vmm"
)

// Engine is the slice of *lifecycle.Engine the HTTP layer calls. Defined
// narrowly so tests can inject a fake rather than a real Engine.
type Engine interface {
	Create(id string, opts lifecycle.CreateOptions) (*store.Machine, error)
	Get(id string) (*store.Machine, error)
	List() ([]*store.Machine, error)
	Start(ctx context.Context, id string) (*store.Machine, error)
	Stop(ctx context.Context, id string, graceMs int) (*store.Machine, error)
	Pause(ctx context.Context, id string) (*store.Machine, error)
	Resume(ctx context.Context, id string) (*store.Machine, error)
	Delete(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string, timeoutMs int) (vmm.ExecResult, error)
	GuestClient(id string) (*guest.Client, error)
}

// KeyStore is the slice of *store.DB the auth middleware needs.
type KeyStore interface {
	GetAPIKeyByHash(hash string) (*store.APIKey, error)
	TouchLastUsed(id string) error
}

// Server is the Hyperfleet HTTP API.
type Server struct {
	engine Engine
	keys   KeyStore
	mux    *http.ServeMux
	server *http.Server
}

// New builds a Server. Routes are registered immediately; call
// ListenAndServe (or use Handler with your own listener) to serve.
func New(engine Engine, keys KeyStore) *Server {
	s := &Server{engine: engine, keys: keys, mux: http.NewServeMux()}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

// Handler returns the server's http.Handler, for tests or a custom
// listener setup.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.HandleFunc("POST /machines", s.auth("machines:write", s.handleCreate))
	s.mux.HandleFunc("GET /machines", s.auth("machines:read", s.handleList))
	s.mux.HandleFunc("GET /machines/{id}", s.auth("machines:read", s.handleGet))
	s.mux.HandleFunc("POST /machines/{id}/start", s.auth("machines:write", s.handleStart))
	s.mux.HandleFunc("POST /machines/{id}/stop", s.auth("machines:write", s.handleStop))
	s.mux.HandleFunc("POST /machines/{id}/pause", s.auth("machines:write", s.handlePause))
	s.mux.HandleFunc("POST /machines/{id}/resume", s.auth("machines:write", s.handleResume))
	s.mux.HandleFunc("DELETE /machines/{id}", s.auth("machines:write", s.handleDelete))
	s.mux.HandleFunc("POST /machines/{id}/exec", s.auth("machines:exec", s.handleExec))
	s.mux.HandleFunc("POST /machines/{id}/files", s.auth("machines:write", s.handleFileWrite))
	s.mux.HandleFunc("GET /machines/{id}/files", s.auth("machines:read", s.handleFileRead))
	s.mux.HandleFunc("GET /machines/{id}/files/stat", s.auth("machines:read", s.handleFileStat))
}

// ListenAndServe listens on addr and serves until the process exits or
// Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version()})
}

type createRequest struct {
	Name         string `json:"name"`
	VCPUCount    int    `json:"vcpu_count"`
	MemSizeMiB   int    `json:"mem_size_mib"`
	Image        string `json:"image"`
	Kernel       string `json:"kernel"`
	ImageSizeMiB int    `json:"image_size_mib"`
}

// newMachineID returns a 16-character hex token: the low 8 bytes of a
// random UUIDv4, meeting §3's "opaque short token, ≤16 chars" bound on
// Machine.ID while keeping 62 bits of randomness (byte 8 carries the
// UUID's two fixed variant bits).
func newMachineID() string {
	u := uuid.New()
	return hex.EncodeToString(u[8:])
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, &errs.Validation{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	id := newMachineID()
	m, err := s.engine.Create(id, lifecycle.CreateOptions{
		Name:       req.Name,
		VCPUCount:  req.VCPUCount,
		MemSizeMiB: req.MemSizeMiB,
		ImageRef:   req.Image,
		KernelArgs: req.Kernel,
		SizeMiB:    req.ImageSizeMiB,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(m))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	machines, err := s.engine.List()
	if err != nil {
		writeErr(w, err)
		return
	}
	dtos := make([]machineDTO, len(machines))
	for i, m := range machines {
		dtos[i] = toDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(m))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Start(r.Context(), r.PathValue("id"))
	s.writeTransitionResult(w, m, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GraceMs int `json:"grace_ms"`
	}
	json.NewDecoder(r.Body).Decode(&body) // best-effort; a missing/empty body means the default grace period
	if body.GraceMs <= 0 {
		body.GraceMs = 5000
	}
	m, err := s.engine.Stop(r.Context(), r.PathValue("id"), body.GraceMs)
	s.writeTransitionResult(w, m, err)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Pause(r.Context(), r.PathValue("id"))
	s.writeTransitionResult(w, m, err)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Resume(r.Context(), r.PathValue("id"))
	s.writeTransitionResult(w, m, err)
}

// writeTransitionResult writes 202 + the updated row on success, per
// §6's "POST .../start|stop|pause|resume — 202 + updated row".
func (s *Server) writeTransitionResult(w http.ResponseWriter, m *store.Machine, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDTO(m))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Cmd       []string `json:"cmd"`
	TimeoutMs int      `json:"timeout"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, &errs.Validation{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if len(req.Cmd) == 0 {
		writeErr(w, &errs.Validation{Field: "cmd", Message: "cmd is required"})
		return
	}

	result, err := s.engine.Exec(r.Context(), r.PathValue("id"), req.Cmd, req.TimeoutMs)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr})
}

type fileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
	Mode    *int   `json:"mode,omitempty"`
}

func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	var req fileWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, &errs.Validation{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeErr(w, &errs.Validation{Field: "content", Message: "not valid base64"})
		return
	}

	client, err := s.engine.GuestClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := client.FileWrite(r.Context(), req.Path, content, req.Mode); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileReadResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
	Size    int64  `json:"size"`
	Mode    uint32 `json:"mode"`
}

func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErr(w, &errs.Validation{Field: "path", Message: "path query parameter is required"})
		return
	}
	client, err := s.engine.GuestClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	result, err := client.FileRead(r.Context(), path)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileReadResponse{
		Path:    result.Path,
		Content: base64.StdEncoding.EncodeToString(result.Content),
		Size:    result.Size,
		Mode:    result.Mode,
	})
}

type fileStatResponse struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Mode  uint32 `json:"mode"`
	Mtime int64  `json:"mtime"`
}

func (s *Server) handleFileStat(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErr(w, &errs.Validation{Field: "path", Message: "path query parameter is required"})
		return
	}
	client, err := s.engine.GuestClient(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	result, err := client.FileStat(r.Context(), path)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileStatResponse{Path: result.Path, Size: result.Size, Mode: result.Mode, Mtime: result.Mtime})
}

// machineDTO is the JSON shape of a machine row per §6.
type machineDTO struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	RuntimeType  string  `json:"runtime_type"`
	VCPUCount    int     `json:"vcpu_count"`
	MemSizeMiB   int     `json:"mem_size_mib"`
	KernelArgs   string  `json:"kernel_args,omitempty"`
	RootfsPath   string  `json:"rootfs_path,omitempty"`
	TapDevice    string  `json:"tap_device,omitempty"`
	TapIP        string  `json:"tap_ip,omitempty"`
	GuestIP      string  `json:"guest_ip,omitempty"`
	GuestMAC     string  `json:"guest_mac,omitempty"`
	HostPID      *int    `json:"host_pid,omitempty"`
	ImageRef     string  `json:"image_ref,omitempty"`
	ImageDigest  string  `json:"image_digest,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func toDTO(m *store.Machine) machineDTO {
	return machineDTO{
		ID:           m.ID,
		Name:         m.Name,
		Status:       string(m.Status),
		RuntimeType:  string(m.RuntimeType),
		VCPUCount:    m.VCPUCount,
		MemSizeMiB:   m.MemSizeMiB,
		KernelArgs:   m.KernelArgs,
		RootfsPath:   m.RootfsPath,
		TapDevice:    m.TapDevice,
		TapIP:        m.TapIP,
		GuestIP:      m.GuestIP,
		GuestMAC:     m.GuestMAC,
		HostPID:      m.HostPID,
		ImageRef:     m.ImageRef,
		ImageDigest:  m.ImageDigest,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:    m.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr writes the §6 error envelope `{error:{tag, message}}` with
// the status from the C1 taxonomy's HTTPStatus().
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errs.StatusCode(err), map[string]any{
		"error": map[string]any{
			"tag":     errTag(err),
			"message": err.Error(),
		},
	})
}

// errTag returns the taxonomy tag name for the error envelope's "tag"
// field, via a type switch over §1's sum type.
func errTag(err error) string {
	switch err.(type) {
	case *errs.VMM:
		return "VMM"
	case *errs.Hypervisor2:
		return "Hypervisor2"
	case *errs.DockerCLI:
		return "DockerCLI"
	case *errs.NotFound:
		return "NotFound"
	case *errs.Validation:
		return "Validation"
	case *errs.Timeout:
		return "Timeout"
	case *errs.Vsock:
		return "Vsock"
	case *errs.Runtime:
		return "Runtime"
	case *errs.PathTraversal:
		return "PathTraversal"
	case *errs.CircuitOpen:
		return "CircuitOpen"
	case *errs.ImagePull:
		return "ImagePull"
	case *errs.ImageConvert:
		return "ImageConvert"
	case *errs.InvalidImageRef:
		return "InvalidImageRef"
	case *errs.Cache:
		return "Cache"
	default:
		return "Runtime"
	}
}
