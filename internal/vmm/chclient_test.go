package vmm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

// newFakeCHServer starts an HTTP server listening on a unix socket at
// socketPath, routing requests through handler. The caller must Close it.
func newFakeCHServer(t *testing.T, socketPath string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestCHClient_Put_Success(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ch.sock")
	newFakeCHServer(t, sock, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	})

	c := newCHClient(sock)
	status, _, err := c.put(context.Background(), "/api/v1/vm.create", map[string]any{"cpus": 2})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if status != http.StatusNoContent {
		t.Errorf("status = %d, want 204", status)
	}
}

func TestCHClient_Put_ServerError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "ch.sock")
	newFakeCHServer(t, sock, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	c := newCHClient(sock)
	status, body, err := c.put(context.Background(), "/api/v1/vm.boot", nil)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", status)
	}
	if string(body) != "boom" {
		t.Errorf("body = %q, want boom", body)
	}
}
