package guest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/resilience"
	"github.com/xfeldman/hyperfleet/internal/vmm"
)

// Dialer obtains a fresh connection to the guest agent, used to
// reconnect once after a transport failure.
type Dialer func(ctx context.Context) (net.Conn, error)

// request is the wire shape sent to the guest agent.
type request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
	ID   uint64          `json:"id"`
}

// response is the wire shape received from the guest agent.
type response struct {
	ID    uint64          `json:"id"`
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Client is a Host-to-Guest Transport connection for one machine. It
// implements vmm.GuestExecutor so a hypervisor Driver can forward Exec
// calls to it directly.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	dial    Dialer
	nextID  uint64
	breaker *resilience.CircuitBreaker
}

// NewClient wraps an already-connected conn. dial is called at most once
// per failed call to re-establish the connection after a transport error.
func NewClient(conn net.Conn, dial Dialer) *Client {
	return &Client{
		conn:    conn,
		dial:    dial,
		breaker: resilience.NewCircuitBreaker(5, 30*time.Second, 2),
	}
}

type execArgs struct {
	Cmd       []string `json:"cmd"`
	TimeoutMs int      `json:"timeoutMs"`
}

// Exec runs cmd inside the guest, waiting up to timeoutMs.
func (c *Client) Exec(ctx context.Context, cmd []string, timeoutMs int) (vmm.ExecResult, error) {
	var result vmm.ExecResult
	value, err := c.call(ctx, "exec", execArgs{Cmd: cmd, TimeoutMs: timeoutMs}, timeoutMs)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(value, &result); err != nil {
		return result, &errs.Vsock{Op: "exec", Cause: fmt.Errorf("decode response: %w", err)}
	}
	return result, nil
}

type fileWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    *int   `json:"mode,omitempty"`
}

// FileWrite writes content to path inside the guest. mode is an optional
// octal file mode; nil leaves the guest agent's default.
func (c *Client) FileWrite(ctx context.Context, path string, content []byte, mode *int) error {
	if err := validatePath(path); err != nil {
		return err
	}
	_, err := c.call(ctx, "file_write", fileWriteArgs{
		Path:    path,
		Content: base64.StdEncoding.EncodeToString(content),
		Mode:    mode,
	}, 0)
	return err
}

type fileReadArgs struct {
	Path string `json:"path"`
}

// FileReadResult is the decoded response to a file_read RPC.
type FileReadResult struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
	Size    int64  `json:"size"`
	Mode    uint32 `json:"mode"`
}

// FileRead reads the content of path inside the guest.
func (c *Client) FileRead(ctx context.Context, path string) (FileReadResult, error) {
	var out FileReadResult
	if err := validatePath(path); err != nil {
		return out, err
	}
	value, err := c.call(ctx, "file_read", fileReadArgs{Path: path}, 0)
	if err != nil {
		return out, err
	}
	var wire struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Size    int64  `json:"size"`
		Mode    uint32 `json:"mode"`
	}
	if err := json.Unmarshal(value, &wire); err != nil {
		return out, &errs.Vsock{Op: "file_read", Cause: fmt.Errorf("decode response: %w", err)}
	}
	content, err := base64.StdEncoding.DecodeString(wire.Content)
	if err != nil {
		return out, &errs.Vsock{Op: "file_read", Cause: fmt.Errorf("decode content: %w", err)}
	}
	out.Path, out.Size, out.Mode, out.Content = wire.Path, wire.Size, wire.Mode, content
	return out, nil
}

// FileStatResult is the decoded response to a file_stat RPC.
type FileStatResult struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Mode  uint32 `json:"mode"`
	Mtime int64  `json:"mtime"`
}

// FileStat stats path inside the guest.
func (c *Client) FileStat(ctx context.Context, path string) (FileStatResult, error) {
	var out FileStatResult
	if err := validatePath(path); err != nil {
		return out, err
	}
	value, err := c.call(ctx, "file_stat", fileReadArgs{Path: path}, 0)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(value, &out); err != nil {
		return out, &errs.Vsock{Op: "file_stat", Cause: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

// call sends one framed request and waits for its matching response,
// under the client's breaker. timeoutMs, if positive, bounds the whole
// round trip; 0 means use the caller's ctx deadline as-is. On a
// transport-level failure, the connection is reconnected exactly once
// via dial before giving up. The breaker and reconnect logic only ever
// see the transport outcome: a well-formed reply with ok:false is a
// guest-reported application error, not a transport failure, and is
// unwrapped into *errs.Runtime after the breaker has already recorded
// success.
func (c *Client) call(ctx context.Context, op string, args any, timeoutMs int) (json.RawMessage, error) {
	resp, err := resilience.Call(c.breaker, func() (*response, error) {
		if timeoutMs > 0 {
			return resilience.WithTimeout(ctx, timeoutMs, op, func(ctx context.Context) (*response, error) {
				return c.roundTrip(ctx, op, args)
			})
		}
		return c.roundTrip(ctx, op, args)
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &errs.Runtime{Cause: fmt.Errorf("guest agent %s: %s", op, resp.Error)}
	}
	return resp.Value, nil
}

func (c *Client) roundTrip(ctx context.Context, op string, args any) (*response, error) {
	resp, err := c.doRoundTrip(op, args)
	if err == nil {
		return resp, nil
	}
	var vsockErr *errs.Vsock
	if !asVsockError(err, &vsockErr) {
		return nil, err
	}

	if reErr := c.reconnect(ctx); reErr != nil {
		return nil, reErr
	}
	return c.doRoundTrip(op, args)
}

func (c *Client) doRoundTrip(op string, args any) (*response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	id := atomic.AddUint64(&c.nextID, 1)
	req := request{Op: op, Args: argsJSON, ID: id}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if c.conn == nil {
		return nil, &errs.Vsock{Op: op, Cause: fmt.Errorf("no guest connection")}
	}
	if err := writeFrame(c.conn, reqBytes); err != nil {
		return nil, &errs.Vsock{Op: op, Cause: err}
	}

	respBytes, err := readFrame(c.conn)
	if err != nil {
		return nil, &errs.Vsock{Op: op, Cause: err}
	}

	var resp response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, &errs.Vsock{Op: op, Cause: fmt.Errorf("decode frame: %w", err)}
	}
	if resp.ID != id {
		return nil, &errs.Vsock{Op: op, Cause: fmt.Errorf("response id %d does not match request id %d", resp.ID, id)}
	}
	return &resp, nil
}

func (c *Client) reconnect(ctx context.Context) error {
	if c.dial == nil {
		return &errs.Vsock{Op: "reconnect", Cause: fmt.Errorf("no dialer configured")}
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return &errs.Vsock{Op: "reconnect", Cause: err}
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func asVsockError(err error, target **errs.Vsock) bool {
	v, ok := err.(*errs.Vsock)
	if ok {
		*target = v
	}
	return ok
}
