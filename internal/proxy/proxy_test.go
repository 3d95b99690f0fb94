package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xfeldman/hyperfleet/internal/store"
)

type fakeLookup struct {
	machines map[string]*store.Machine
}

func (f fakeLookup) Get(id string) (*store.Machine, error) {
	m, ok := f.machines[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return m, nil
}

func TestMatchPrefixPath(t *testing.T) {
	cases := []struct {
		path       string
		prefix     string
		wantID     string
		wantPort   int
		wantRest   string
		wantOK     bool
	}{
		{"/x/m1/8080/foo/bar", "/x/", "m1", 8080, "/foo/bar", true},
		{"/x/m1/8080", "/x/", "m1", 8080, "/", true},
		{"/x/m1/8080/", "/x/", "m1", 8080, "/", true},
		{"/other/path", "/x/", "", 0, "", false},
		{"/x/m1/notaport/foo", "/x/", "", 0, "", false},
	}
	for _, c := range cases {
		t.Run(c.path, func(t *testing.T) {
			id, port, rest, ok := matchPrefixPath(c.path, c.prefix)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if !ok {
				return
			}
			if id != c.wantID || port != c.wantPort || rest != c.wantRest {
				t.Errorf("got (%q, %d, %q), want (%q, %d, %q)", id, port, rest, c.wantID, c.wantPort, c.wantRest)
			}
		})
	}
}

func TestMatchHostSuffix(t *testing.T) {
	cases := []struct {
		host     string
		suffix   string
		wantID   string
		wantPort int
		wantOK   bool
	}{
		{"m1-8080.hyperfleet.local", ".hyperfleet.local", "m1", 8080, true},
		{"my-machine-3000.hyperfleet.local", ".hyperfleet.local", "my-machine", 3000, true},
		{"unrelated.example.com", ".hyperfleet.local", "", 0, false},
		{"noport.hyperfleet.local", ".hyperfleet.local", "", 0, false},
	}
	for _, c := range cases {
		t.Run(c.host, func(t *testing.T) {
			id, port, ok := matchHostSuffix(c.host, c.suffix)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if ok && (id != c.wantID || port != c.wantPort) {
				t.Errorf("got (%q, %d), want (%q, %d)", id, port, c.wantID, c.wantPort)
			}
		})
	}
}

// startBackend runs a tiny HTTP server that echoes back the request path,
// simulating a guest's listening service.
func startBackend(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "path="+r.URL.Path)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestProxy_ServeHTTP_URLPrefixRoutesAndStripsPath(t *testing.T) {
	guestIP, guestPort := startBackend(t)

	lookup := fakeLookup{machines: map[string]*store.Machine{
		"m1": {ID: "m1", Status: store.StatusRunning, GuestIP: guestIP},
	}}
	p := New(lookup, Config{Prefix: "/x/", ExposedPortPollMs: 5})
	ts := httptest.NewServer(p)
	defer ts.Close()

	resp, err := http.Get(fmt.Sprintf("%s/x/m1/%d/hello", ts.URL, guestPort))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "path=/hello" {
		t.Errorf("body = %q, want path=/hello", body)
	}
}

func TestProxy_ServeHTTP_HostSuffixRouting(t *testing.T) {
	guestIP, guestPort := startBackend(t)

	lookup := fakeLookup{machines: map[string]*store.Machine{
		"m1": {ID: "m1", Status: store.StatusRunning, GuestIP: guestIP},
	}}
	p := New(lookup, Config{HostSuffix: ".hyperfleet.local", ExposedPortPollMs: 5})
	ts := httptest.NewServer(p)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = fmt.Sprintf("m1-%d.hyperfleet.local", guestPort)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestProxy_ServeHTTP_UnknownMachineIsNotFound(t *testing.T) {
	lookup := fakeLookup{machines: map[string]*store.Machine{}}
	p := New(lookup, Config{Prefix: "/x/"})
	ts := httptest.NewServer(p)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/x/ghost/80/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxy_ServeHTTP_UnmatchedRouteIsNotFound(t *testing.T) {
	lookup := fakeLookup{machines: map[string]*store.Machine{}}
	p := New(lookup, Config{Prefix: "/x/"})
	ts := httptest.NewServer(p)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/totally/unrelated")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxy_WaitForPort_DeadlineExceededIsServiceUnavailable(t *testing.T) {
	// An unused local port: nothing is listening, so every dial fails and
	// the short request context deadline should trip errPollDeadline. The
	// deadline is set on the server-side request context: a client-side
	// deadline would abort the client's own Do before any response arrived.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // now guaranteed closed; dials will fail

	lookup := fakeLookup{machines: map[string]*store.Machine{
		"m1": {ID: "m1", Status: store.StatusRunning, GuestIP: "127.0.0.1"},
	}}
	p := New(lookup, Config{Prefix: "/x/", ExposedPortPollMs: 5, DialTimeout: 20 * time.Millisecond})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		p.ServeHTTP(w, r.WithContext(ctx))
	}))
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/x/m1/%d/", ts.URL, port), nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProxy_NotRunningIsBadGateway(t *testing.T) {
	lookup := fakeLookup{machines: map[string]*store.Machine{
		"m1": {ID: "m1", Status: store.StatusStopped},
	}}
	p := New(lookup, Config{Prefix: "/x/", ExposedPortPollMs: 5})
	ts := httptest.NewServer(p)
	defer ts.Close()

	resp, err := http.Get(fmt.Sprintf("%s/x/m1/80/", ts.URL))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}
