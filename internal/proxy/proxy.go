// Package proxy implements the Reverse Proxy (C10): an HTTP ingress that
// resolves a machine id and guest port from the request, waits for the
// guest to start listening on that port, and streams the request through
// to guest_ip:port.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xfeldman/hyperfleet/internal/errs"
	"github.com/xfeldman/hyperfleet/internal/store"
)

// MachineLookup is the slice of the Lifecycle Engine the proxy needs:
// resolve a machine id to its current row (status, guest_ip). Defined
// narrowly here so tests can inject a fake rather than a real Engine.
type MachineLookup interface {
	Get(id string) (*store.Machine, error)
}

// Config holds the routing and polling parameters, sourced from
// PROXY_PREFIX / PROXY_HOST_SUFFIX / PROXY_EXPOSED_PORT_POLL_INTERVAL_MS.
type Config struct {
	Prefix              string // e.g. "/x/" for /x/<machine-id>/<port>/...
	HostSuffix          string // e.g. ".hyperfleet.local" for <machine>-<port>.hyperfleet.local
	ExposedPortPollMs   int
	DialTimeout         time.Duration
}

// Proxy is the C10 ingress handler.
type Proxy struct {
	lookup MachineLookup
	cfg    Config
}

// New builds a Proxy. cfg.DialTimeout defaults to 2s if zero.
func New(lookup MachineLookup, cfg Config) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &Proxy{lookup: lookup, cfg: cfg}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	machineID, guestPort, rest, ok := p.resolveRoute(req)
	if !ok {
		p.writeError(w, &errs.NotFound{Kind: "machine", ID: routeDescription(req)})
		return
	}

	m, err := p.lookup.Get(machineID)
	if err != nil {
		p.writeError(w, &errs.NotFound{Kind: "machine", ID: machineID})
		return
	}

	target, pollErr := p.waitForPort(req.Context(), m, guestPort)
	if pollErr != nil {
		// §4.9 names its own two failure statuses for this path, distinct
		// from the general §6 table: the guest never reachable at all is
		// Bad Gateway, a poll deadline exceeded is Service Unavailable
		// (not Timeout's usual 504).
		if pollErr == errPollDeadline {
			p.writeStatus(w, http.StatusServiceUnavailable, fmt.Sprintf("guest %s:%d did not become reachable before the request deadline", m.GuestIP, guestPort))
		} else {
			p.writeStatus(w, http.StatusBadGateway, pollErr.Error())
		}
		return
	}

	req.URL.Path = rest
	if isWebSocketUpgrade(req) {
		p.proxyWebSocket(w, req, target)
		return
	}
	p.proxyHTTP(w, req, target)
}

// resolveRoute tries the URL-prefix form first, then the host-suffix
// form, per spec §4.9's "(a) ... or (b)" ordering.
func (p *Proxy) resolveRoute(req *http.Request) (machineID string, guestPort int, rest string, ok bool) {
	if p.cfg.Prefix != "" {
		if id, port, rest, ok := matchPrefixPath(req.URL.Path, p.cfg.Prefix); ok {
			return id, port, rest, true
		}
	}
	if p.cfg.HostSuffix != "" {
		host := req.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if id, port, ok := matchHostSuffix(host, p.cfg.HostSuffix); ok {
			return id, port, req.URL.Path, true
		}
	}
	return "", 0, "", false
}

// matchPrefixPath parses "/<prefix>/<machine-id>/<port>/<rest...>".
// prefix is matched with or without its own leading/trailing slashes.
func matchPrefixPath(path, prefix string) (machineID string, guestPort int, rest string, ok bool) {
	trimmedPrefix := strings.Trim(prefix, "/")
	trimmedPath := strings.TrimPrefix(path, "/")
	if trimmedPrefix != "" {
		if !strings.HasPrefix(trimmedPath, trimmedPrefix+"/") {
			return "", 0, "", false
		}
		trimmedPath = strings.TrimPrefix(trimmedPath, trimmedPrefix+"/")
	}

	parts := strings.SplitN(trimmedPath, "/", 3)
	if len(parts) < 2 {
		return "", 0, "", false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 {
		return "", 0, "", false
	}
	rest = "/"
	if len(parts) == 3 {
		rest = "/" + parts[2]
	}
	return parts[0], port, rest, true
}

// matchHostSuffix parses "<machine-id>-<port><suffix>".
func matchHostSuffix(host, suffix string) (machineID string, guestPort int, ok bool) {
	if !strings.HasSuffix(host, suffix) {
		return "", 0, false
	}
	label := strings.TrimSuffix(host, suffix)
	idx := strings.LastIndex(label, "-")
	if idx < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(label[idx+1:])
	if err != nil || port <= 0 {
		return "", 0, false
	}
	return label[:idx], port, true
}

func routeDescription(req *http.Request) string {
	return fmt.Sprintf("%s%s", req.Host, req.URL.Path)
}

// errPollDeadline is a sentinel distinguishing "the request's own
// deadline elapsed while polling" from every other dial failure.
var errPollDeadline = fmt.Errorf("exposed port poll deadline exceeded")

// waitForPort blocks, polling at ExposedPortPollMs, until the machine's
// guest has a listener on guestPort or the request's deadline passes.
// Returns the dial target once reachable.
func (p *Proxy) waitForPort(ctx context.Context, m *store.Machine, guestPort int) (string, error) {
	if m.Status != store.StatusRunning || m.GuestIP == "" {
		return "", fmt.Errorf("machine %s is not running", m.ID)
	}
	target := net.JoinHostPort(m.GuestIP, strconv.Itoa(guestPort))

	interval := time.Duration(p.cfg.ExposedPortPollMs) * time.Millisecond
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	for {
		conn, err := net.DialTimeout("tcp", target, p.cfg.DialTimeout)
		if err == nil {
			conn.Close()
			return target, nil
		}
		select {
		case <-ctx.Done():
			return "", errPollDeadline
		case <-time.After(interval):
		}
	}
}

func (p *Proxy) proxyHTTP(w http.ResponseWriter, req *http.Request, target string) {
	targetURL, err := url.Parse("http://" + target)
	if err != nil {
		p.writeStatus(w, http.StatusBadGateway, err.Error())
		return
	}
	rp := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = targetURL.Scheme
			r.URL.Host = targetURL.Host
			r.Host = targetURL.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("proxy: backend %s error: %v", target, err)
			p.writeStatus(w, http.StatusBadGateway, fmt.Sprintf("backend %s: %v", target, err))
		},
	}
	rp.ServeHTTP(w, req)
}

func (p *Proxy) proxyWebSocket(w http.ResponseWriter, req *http.Request, target string) {
	backendConn, err := net.DialTimeout("tcp", target, p.cfg.DialTimeout)
	if err != nil {
		p.writeStatus(w, http.StatusBadGateway, fmt.Sprintf("dial backend %s: %v", target, err))
		return
	}
	defer backendConn.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket hijack not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		http.Error(w, "websocket hijack failed", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	if err := req.Write(backendConn); err != nil {
		return
	}
	if clientBuf.Reader.Buffered() > 0 {
		buffered := make([]byte, clientBuf.Reader.Buffered())
		clientBuf.Read(buffered)
		backendConn.Write(buffered)
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backendConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(clientConn, backendConn)
		done <- struct{}{}
	}()
	<-done
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// writeError writes a C1 tagged error's message as a JSON error body at
// the error's status code. The body has no "tag" field.
func (p *Proxy) writeError(w http.ResponseWriter, err error) {
	p.writeStatus(w, errs.StatusCode(err), err.Error())
}

// writeStatus writes `{"error":{"message":...}}` (no "tag" field) at an
// explicit status, with a Retry-After of 3 seconds. It is used for the §4.9-specific Bad Gateway / Service Unavailable cases that
// don't come from a C1 tagged error.
func (p *Proxy) writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Retry-After", "3")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
}
