package image

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// fallbackDNS seeds /etc/resolv.conf in every rootfs; guests have no
// other route to a resolver until C6 wires up NAT.
var fallbackDNS = []string{"8.8.8.8", "1.1.1.1"}

// Resolver implements the C4 Resolve pipeline: parse, cache lookup,
// pull, unpack, init injection, ext4 conversion, cache insert.
type Resolver struct {
	cache                *Cache
	initPath             string
	defaultRootfsSizeMiB int
	workDir              string

	sf singleflight.Group
}

// NewResolver builds a Resolver. initPath may be empty (no init binary
// injected — useful for image-only testing); workDir holds the
// intermediate unpack/staging directories, which are removed after
// conversion. The finished rootfs is built and renamed inside the cache
// directory itself.
func NewResolver(cache *Cache, initPath string, defaultRootfsSizeMiB int, workDir string) *Resolver {
	return &Resolver{
		cache:                cache,
		initPath:             initPath,
		defaultRootfsSizeMiB: defaultRootfsSizeMiB,
		workDir:              workDir,
	}
}

// ResolveOptions customizes one Resolve call.
type ResolveOptions struct {
	// SizeMiB is the rootfs size. Zero means "use the configured default".
	SizeMiB int
}

// Resolve returns a cached rootfs for refInput, pulling and converting it
// if necessary. At most one conversion runs concurrently per normalized
// reference; concurrent callers for the same reference share one result.
func (r *Resolver) Resolve(ctx context.Context, refInput string, opts ResolveOptions) (*Reference, *CacheEntry, error) {
	ref, err := ParseReference(refInput)
	if err != nil {
		return nil, nil, err
	}

	if entry, ok := r.cache.Get(ref.Normalized); ok {
		return ref, entry, nil
	}

	sizeMiB := opts.SizeMiB
	if sizeMiB <= 0 {
		sizeMiB = r.defaultRootfsSizeMiB
	}

	v, err, _ := r.sf.Do(ref.Normalized, func() (any, error) {
		// Re-check inside the singleflight critical section: another
		// caller may have just finished the conversion we're about to
		// start.
		if entry, ok := r.cache.Get(ref.Normalized); ok {
			return entry, nil
		}
		return r.pullConvertAndCache(ctx, ref, sizeMiB)
	})
	if err != nil {
		return ref, nil, err
	}
	return ref, v.(*CacheEntry), nil
}

func (r *Resolver) pullConvertAndCache(ctx context.Context, ref *Reference, sizeMiB int) (*CacheEntry, error) {
	stagingDir, err := os.MkdirTemp(r.workDir, "hyperfleet-rootfs-*")
	if err != nil {
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: err}
	}
	defer os.RemoveAll(stagingDir)

	pulled, err := Pull(ctx, ref)
	if err != nil {
		return nil, err
	}

	if err := Unpack(pulled.Image, stagingDir); err != nil {
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: fmt.Errorf("unpack: %w", err)}
	}

	if r.initPath != "" {
		if err := injectInit(stagingDir, r.initPath); err != nil {
			return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: err}
		}
	}
	if err := writeResolvConf(stagingDir); err != nil {
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: err}
	}
	if err := writeEnvFile(stagingDir, pulled.Env); err != nil {
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: err}
	}

	extPath := extFilePath(r.cache.dir, ref.Normalized)
	tmpExtPath := extPath + ".tmp"
	os.Remove(tmpExtPath)
	if err := createSparseFile(tmpExtPath, sizeMiB); err != nil {
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: fmt.Errorf("create sparse file: %w", err)}
	}
	if err := formatExt4(ctx, tmpExtPath, stagingDir); err != nil {
		os.Remove(tmpExtPath)
		return nil, err
	}
	if err := os.Rename(tmpExtPath, extPath); err != nil {
		os.Remove(tmpExtPath)
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: fmt.Errorf("rename rootfs: %w", err)}
	}

	info, err := os.Stat(extPath)
	if err != nil {
		return nil, &errs.ImageConvert{Ref: ref.Normalized, Cause: err}
	}

	entry := &CacheEntry{
		Digest:     pulled.Digest,
		RootfsPath: extPath,
		SizeBytes:  info.Size(),
		Env:        pulled.Env,
	}
	if err := r.cache.Put(ref.Normalized, entry); err != nil {
		os.Remove(extPath)
		return nil, err
	}
	return entry, nil
}

// injectInit copies the init binary into /init of the rootfs tree at
// mode 0755, the contract Cloud Hypervisor's boot args point PID 1 at.
func injectInit(rootfsDir, initPath string) error {
	src, err := os.Open(initPath)
	if err != nil {
		return fmt.Errorf("open init binary: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(rootfsDir, "init"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("create /init: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write /init: %w", err)
	}
	return nil
}

// writeEnvFile bakes the image's OCI config ENV entries into
// /etc/environment as "KEY=VALUE" lines, the same convention the guest
// init binary's shell environment sourcing already expects. An image
// with no declared ENV writes nothing rather than an empty file.
func writeEnvFile(rootfsDir string, env []string) error {
	if len(env) == 0 {
		return nil
	}
	var content string
	for _, kv := range env {
		content += kv + "\n"
	}
	path := filepath.Join(rootfsDir, "etc", "environment")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create /etc: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func writeResolvConf(rootfsDir string) error {
	var content string
	for _, ip := range fallbackDNS {
		content += "nameserver " + ip + "\n"
	}
	path := filepath.Join(rootfsDir, "etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create /etc: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
