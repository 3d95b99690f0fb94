// Package errs defines Hyperfleet's error taxonomy: one tagged type per
// failure category, each carrying structured context and an HTTP status.
// Components return these directly; nothing crosses a package boundary
// as an opaque exception. Callers that need to branch on category use
// errors.As, never string matching on Error().
package errs

import (
	"fmt"
	"net/http"
)

// VMM reports a non-2xx response from a hypervisor's control API.
type VMM struct {
	StatusCode int
	Body       string
}

func (e *VMM) Error() string {
	return fmt.Sprintf("vmm: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus maps a VMM error to the external HTTP status per spec §6:
// upstream 5xx becomes Bad Gateway, upstream 4xx becomes Bad Request.
func (e *VMM) HTTPStatus() int {
	if e.StatusCode >= 500 {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// Hypervisor2 reports a failure spawning or controlling the hypervisor
// process itself (distinct from VMM, which is an API-level failure).
type Hypervisor2 struct {
	Op    string
	Cause error
}

func (e *Hypervisor2) Error() string {
	return fmt.Sprintf("hypervisor %s: %v", e.Op, e.Cause)
}

func (e *Hypervisor2) Unwrap() error { return e.Cause }

func (e *Hypervisor2) HTTPStatus() int { return http.StatusInternalServerError }

// DockerCLI reports a failure shelling out to the docker CLI (container
// runtime_type).
type DockerCLI struct {
	Args   []string
	Stderr string
	Cause  error
}

func (e *DockerCLI) Error() string {
	return fmt.Sprintf("docker %v: %s: %v", e.Args, e.Stderr, e.Cause)
}

func (e *DockerCLI) Unwrap() error { return e.Cause }

func (e *DockerCLI) HTTPStatus() int { return http.StatusInternalServerError }

// NotFound reports a lookup that found nothing.
type NotFound struct {
	Kind string // "machine", "api_key", "cache_entry", ...
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFound) HTTPStatus() int { return http.StatusNotFound }

// Validation reports an illegal request: a malformed field, or an illegal
// state transition attempt.
type Validation struct {
	Field   string
	Message string
}

func (e *Validation) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *Validation) HTTPStatus() int { return http.StatusBadRequest }

// Timeout reports a deadline exceeded on a suspension point (store call,
// VMM call, vsock frame, filesystem I/O).
type Timeout struct {
	Op      string
	Message string
}

func (e *Timeout) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("timeout: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("timeout: %s", e.Op)
}

func (e *Timeout) HTTPStatus() int { return http.StatusGatewayTimeout }

// Vsock reports a transport failure talking to the in-guest agent.
type Vsock struct {
	Op    string
	Cause error
}

func (e *Vsock) Error() string { return fmt.Sprintf("vsock %s: %v", e.Op, e.Cause) }

func (e *Vsock) Unwrap() error { return e.Cause }

func (e *Vsock) HTTPStatus() int { return http.StatusBadGateway }

// Runtime reports an unclassified internal failure.
type Runtime struct {
	Cause error
}

func (e *Runtime) Error() string { return fmt.Sprintf("runtime: %v", e.Cause) }

func (e *Runtime) Unwrap() error { return e.Cause }

func (e *Runtime) HTTPStatus() int { return http.StatusInternalServerError }

// PathTraversal reports a guest file path that escapes the permitted root
// or contains a NUL byte.
type PathTraversal struct {
	Path string
}

func (e *PathTraversal) Error() string { return fmt.Sprintf("path traversal: %q", e.Path) }

func (e *PathTraversal) HTTPStatus() int { return http.StatusBadRequest }

// CircuitOpen reports a call rejected by an open circuit breaker.
type CircuitOpen struct {
	RetryAfterMs int64
}

func (e *CircuitOpen) Error() string {
	return fmt.Sprintf("circuit open, retry after %dms", e.RetryAfterMs)
}

func (e *CircuitOpen) HTTPStatus() int { return http.StatusServiceUnavailable }

// ImagePull reports a failure resolving or downloading an OCI reference.
type ImagePull struct {
	Ref   string
	Cause error
}

func (e *ImagePull) Error() string { return fmt.Sprintf("pull %s: %v", e.Ref, e.Cause) }

func (e *ImagePull) Unwrap() error { return e.Cause }

func (e *ImagePull) HTTPStatus() int { return http.StatusBadGateway }

// ImageConvert reports a failure unpacking or converting a pulled image
// into a bootable rootfs.
type ImageConvert struct {
	Ref   string
	Cause error
}

func (e *ImageConvert) Error() string { return fmt.Sprintf("convert %s: %v", e.Ref, e.Cause) }

func (e *ImageConvert) Unwrap() error { return e.Cause }

func (e *ImageConvert) HTTPStatus() int { return http.StatusInternalServerError }

// InvalidImageRef reports a malformed OCI reference string.
type InvalidImageRef struct {
	Input string
}

func (e *InvalidImageRef) Error() string { return fmt.Sprintf("invalid image reference %q", e.Input) }

func (e *InvalidImageRef) HTTPStatus() int { return http.StatusBadRequest }

// Cache reports a failure reading or writing the image cache index.
type Cache struct {
	Op    string
	Cause error
}

func (e *Cache) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Cause) }

func (e *Cache) Unwrap() error { return e.Cause }

func (e *Cache) HTTPStatus() int { return http.StatusInternalServerError }

// httpStatuser is implemented by every error in this package.
type httpStatuser interface {
	HTTPStatus() int
}

// StatusCode returns the HTTP status for err per the §6 mapping table. It
// is a total function over the taxonomy: anything that doesn't implement
// httpStatuser (a bug, or a third-party error that slipped through) maps
// to 500.
func StatusCode(err error) int {
	if hs, ok := err.(httpStatuser); ok {
		return hs.HTTPStatus()
	}
	return http.StatusInternalServerError
}
