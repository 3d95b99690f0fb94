package guest

import (
	"context"
	"encoding/json"
	"net"
	"testing"

	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/resilience"
)

// fakeAgent serves one logical connection's worth of RPCs from conn,
// dispatching each request to handler and writing back its response.
func fakeAgent(t *testing.T, conn net.Conn, handler func(op string, args json.RawMessage) (any, string)) {
	t.Helper()
	go func() {
		for {
			reqBytes, err := readFrame(conn)
			if err != nil {
				return
			}
			var req request
			if err := json.Unmarshal(reqBytes, &req); err != nil {
				return
			}
			value, errMsg := handler(req.Op, req.Args)
			resp := response{ID: req.ID, OK: errMsg == ""}
			if errMsg != "" {
				resp.Error = errMsg
			} else {
				v, _ := json.Marshal(value)
				resp.Value = v
			}
			respBytes, _ := json.Marshal(resp)
			if err := writeFrame(conn, respBytes); err != nil {
				return
			}
		}
	}()
}

func TestClient_Exec(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	fakeAgent(t, guestConn, func(op string, args json.RawMessage) (any, string) {
		if op != "exec" {
			return nil, "unexpected op"
		}
		return map[string]any{"exit_code": 0, "stdout": "hi\n", "stderr": ""}, ""
	})

	c := NewClient(hostConn, nil)
	res, err := c.Exec(context.Background(), []string{"echo", "hi"}, 1000)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "hi\n" {
		t.Errorf("got %+v", res)
	}
}

func TestClient_FileWrite_RejectsTraversal(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	c := NewClient(hostConn, nil)
	err := c.FileWrite(context.Background(), "../../etc/passwd", []byte("x"), nil)
	if err == nil {
		t.Fatal("expected path traversal rejection")
	}
	if _, ok := err.(*errs.PathTraversal); !ok {
		t.Fatalf("got %T, want *errs.PathTraversal", err)
	}
}

func TestClient_FileWrite_RejectsNulByte(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	c := NewClient(hostConn, nil)
	err := c.FileWrite(context.Background(), "/tmp/foo\x00bar", []byte("x"), nil)
	if _, ok := err.(*errs.PathTraversal); !ok {
		t.Fatalf("got %T, want *errs.PathTraversal", err)
	}
}

func TestClient_FileRead(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	fakeAgent(t, guestConn, func(op string, args json.RawMessage) (any, string) {
		return map[string]any{"path": "/tmp/x", "content": "aGVsbG8=", "size": 5, "mode": 0o644}, ""
	})

	c := NewClient(hostConn, nil)
	res, err := c.FileRead(context.Background(), "/tmp/x")
	if err != nil {
		t.Fatalf("FileRead: %v", err)
	}
	if string(res.Content) != "hello" {
		t.Errorf("Content = %q, want hello", res.Content)
	}
}

func TestClient_ReconnectsOnceOnTransportFailure(t *testing.T) {
	hostConn1, guestConn1 := net.Pipe()
	hostConn2, guestConn2 := net.Pipe()
	defer guestConn1.Close()
	defer guestConn2.Close()

	// Close the first guest side immediately so the first round trip
	// fails with a transport error, forcing a reconnect.
	guestConn1.Close()
	hostConn1.Close()

	fakeAgent(t, guestConn2, func(op string, args json.RawMessage) (any, string) {
		return map[string]any{"exit_code": 0, "stdout": "ok", "stderr": ""}, ""
	})

	dialed := false
	dial := func(ctx context.Context) (net.Conn, error) {
		dialed = true
		return hostConn2, nil
	}

	// conn is an already-closed pipe; first attempt fails, triggers dial.
	broken, _ := net.Pipe()
	broken.Close()
	c := NewClient(broken, dial)

	res, err := c.Exec(context.Background(), []string{"true"}, 1000)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !dialed {
		t.Error("expected reconnect dial to be invoked")
	}
	if res.Stdout != "ok" {
		t.Errorf("Stdout = %q, want ok", res.Stdout)
	}
}

func TestClient_ApplicationErrorIsNotTransportFailure(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	fakeAgent(t, guestConn, func(op string, args json.RawMessage) (any, string) {
		return nil, "no such file or directory"
	})

	dialed := false
	dial := func(ctx context.Context) (net.Conn, error) {
		dialed = true
		return nil, nil
	}

	c := NewClient(hostConn, dial)
	_, err := c.Exec(context.Background(), []string{"cat", "/missing"}, 1000)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*errs.Runtime); !ok {
		t.Fatalf("got %T, want *errs.Runtime", err)
	}
	if dialed {
		t.Error("guest application error should not trigger a reconnect")
	}
	if fails, _ := c.breaker.Counters(); fails != 0 {
		t.Errorf("breaker recorded %d failures, want 0 for an application-level error", fails)
	}
	if c.breaker.State() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", c.breaker.State())
	}
}

func TestWriteFrame_RejectsOversizedPayload(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	huge := make([]byte, maxFrameBytes+1)
	if err := writeFrame(hostConn, huge); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}
