// Package config holds hyperfleetd's runtime configuration, populated
// from the environment variables listed in spec §6. Invalid configuration
// is a boot-time failure: cmd/hyperfleetd calls Validate and exits
// non-zero rather than starting in a half-configured state.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds hyperfleetd's runtime configuration.
type Config struct {
	// DatabasePath is the path to the SQLite durable store (DATABASE_PATH).
	DatabasePath string

	// Port is the HTTP API listen port (PORT).
	Port int

	// ProxyPort is the reverse proxy listen port (PROXY_PORT).
	ProxyPort int

	// ProxyPrefix is the URL-prefix routing segment, e.g. "/x/" in
	// "/x/<machine-id>/<port>/..." (PROXY_PREFIX).
	ProxyPrefix string

	// ProxyHostSuffix is the host-suffix routing pattern, e.g.
	// ".hyperfleet.local" in "<machine>-<port>.hyperfleet.local"
	// (PROXY_HOST_SUFFIX).
	ProxyHostSuffix string

	// ProxyExposedPortPollInterval is how often the proxy re-checks guest
	// port exposure while a request is in flight
	// (PROXY_EXPOSED_PORT_POLL_INTERVAL_MS).
	ProxyExposedPortPollInterval time.Duration

	// InitPath is the path to the guest init binary injected into every
	// rootfs (HYPERFLEET_INIT_PATH).
	InitPath string

	// OCICacheDir is the directory backing the image cache
	// (HYPERFLEET_OCI_CACHE_DIR).
	OCICacheDir string

	// OCIMaxCacheSize is the cache's total size cap in bytes
	// (HYPERFLEET_OCI_MAX_CACHE_SIZE).
	OCIMaxCacheSize int64

	// OCIDefaultRootfsSizeMiB is the rootfs size used when a create
	// request omits or zeroes image_size_mib
	// (HYPERFLEET_OCI_DEFAULT_ROOTFS_SIZE_MIB).
	OCIDefaultRootfsSizeMiB int

	// DataDir is the base directory for runtime state: sockets, image
	// staging directories, kernel.
	DataDir string

	// KernelPath is the path to the guest kernel image.
	KernelPath string

	// CloudHypervisorBin / VirtiofsdBin are resolved binary paths. Empty
	// means "search PATH at use time".
	CloudHypervisorBin string
	VirtiofsdBin       string

	// DefaultMemoryMB / DefaultVCPUs seed a create request that omits
	// vcpu_count / mem_size_mib.
	DefaultMemoryMB int
	DefaultVCPUs    int
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset. It does not validate — call Validate separately so
// callers can decide whether to EnsureDirs first.
func FromEnv() *Config {
	cfg := &Config{
		DatabasePath:                 getenvDefault("DATABASE_PATH", filepath.Join(defaultDataDir(), "hyperfleet.db")),
		Port:                         getenvIntDefault("PORT", 7780),
		ProxyPort:                    getenvIntDefault("PROXY_PORT", 7781),
		ProxyPrefix:                  getenvDefault("PROXY_PREFIX", "/x/"),
		ProxyHostSuffix:              os.Getenv("PROXY_HOST_SUFFIX"),
		ProxyExposedPortPollInterval: time.Duration(getenvIntDefault("PROXY_EXPOSED_PORT_POLL_INTERVAL_MS", 250)) * time.Millisecond,
		InitPath:                     os.Getenv("HYPERFLEET_INIT_PATH"),
		OCICacheDir:                  getenvDefault("HYPERFLEET_OCI_CACHE_DIR", filepath.Join(defaultDataDir(), "images")),
		OCIMaxCacheSize:              getenvInt64Default("HYPERFLEET_OCI_MAX_CACHE_SIZE", 10<<30), // 10 GiB
		OCIDefaultRootfsSizeMiB:      getenvIntDefault("HYPERFLEET_OCI_DEFAULT_ROOTFS_SIZE_MIB", 1024),
		DataDir:                      defaultDataDir(),
		KernelPath:                  filepath.Join(defaultDataDir(), "kernel", "vmlinux"),
		DefaultMemoryMB:              512,
		DefaultVCPUs:                 1,
	}
	return cfg
}

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hyperfleet")
}

// Validate rejects configuration that would leave the process unable to
// run. cmd/hyperfleetd exits non-zero when this returns an error.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("PROXY_PORT %d out of range", c.ProxyPort)
	}
	if c.ProxyPort == c.Port {
		return fmt.Errorf("PROXY_PORT must differ from PORT (both %d)", c.Port)
	}
	if c.ProxyExposedPortPollInterval < 0 {
		return fmt.Errorf("PROXY_EXPOSED_PORT_POLL_INTERVAL_MS must be >= 0")
	}
	if c.OCIMaxCacheSize <= 0 {
		return fmt.Errorf("HYPERFLEET_OCI_MAX_CACHE_SIZE must be > 0")
	}
	if c.OCIDefaultRootfsSizeMiB <= 0 {
		return fmt.Errorf("HYPERFLEET_OCI_DEFAULT_ROOTFS_SIZE_MIB must be > 0")
	}
	if c.InitPath != "" {
		if _, err := os.Stat(c.InitPath); err != nil {
			return fmt.Errorf("HYPERFLEET_INIT_PATH %q: %w", c.InitPath, err)
		}
	}
	return nil
}

// EnsureDirs creates all directories the daemon writes into.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{
		c.DataDir,
		filepath.Join(c.DataDir, "sockets"),
		filepath.Dir(c.DatabasePath),
		c.OCICacheDir,
		filepath.Dir(c.KernelPath),
	} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create dir %s: %w", d, err)
		}
	}
	return nil
}

// ResolveBinaries eagerly resolves CloudHypervisorBin and VirtiofsdBin if
// they are empty, so every later caller shares one discovery result.
func (c *Config) ResolveBinaries() {
	if c.CloudHypervisorBin == "" {
		c.CloudHypervisorBin = FindBinary("cloud-hypervisor", c.DataDir)
	}
	if c.VirtiofsdBin == "" {
		c.VirtiofsdBin = FindBinary("virtiofsd", c.DataDir)
	}
}

// FindBinary locates a binary by name: PATH, then siblingDir (if
// non-empty), then well-known system paths.
func FindBinary(name string, siblingDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if siblingDir != "" {
		p := filepath.Join(siblingDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/lib/hyperfleet", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64Default(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
