package image

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolver_CacheHitSkipsNetwork(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir, 10*1024*1024)
	if err != nil {
		t.Fatal(err)
	}

	ref, err := ParseReference("alpine:latest")
	if err != nil {
		t.Fatal(err)
	}
	rootfs := filepath.Join(dir, "cached.ext4")
	if err := os.WriteFile(rootfs, []byte("fake-ext4"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(ref.Normalized, &CacheEntry{RootfsPath: rootfs, SizeBytes: 9, Digest: "sha256:cached"}); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(cache, "", 1024, t.TempDir())

	// A canceled context would fail any network pull attempt immediately,
	// so a successful Resolve here proves the cache hit short-circuited
	// before Pull was ever called.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gotRef, entry, err := r.Resolve(ctx, "alpine:latest", ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotRef.Normalized != ref.Normalized {
		t.Errorf("Normalized = %q, want %q", gotRef.Normalized, ref.Normalized)
	}
	if entry.Digest != "sha256:cached" {
		t.Errorf("Digest = %q, want sha256:cached", entry.Digest)
	}
}

func TestInjectInit(t *testing.T) {
	tmp := t.TempDir()
	initBin := filepath.Join(tmp, "hyperfleet-init")
	if err := os.WriteFile(initBin, []byte("#!binary\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	rootfs := filepath.Join(tmp, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := injectInit(rootfs, initBin); err != nil {
		t.Fatalf("injectInit: %v", err)
	}

	info, err := os.Stat(filepath.Join(rootfs, "init"))
	if err != nil {
		t.Fatalf("expected /init to exist: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestWriteResolvConf(t *testing.T) {
	rootfs := t.TempDir()
	if err := writeResolvConf(rootfs); err != nil {
		t.Fatalf("writeResolvConf: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(rootfs, "etc", "resolv.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty resolv.conf")
	}
}

func TestWriteEnvFile(t *testing.T) {
	rootfs := t.TempDir()
	if err := writeEnvFile(rootfs, []string{"PATH=/usr/bin", "APP_MODE=prod"}); err != nil {
		t.Fatalf("writeEnvFile: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(rootfs, "etc", "environment"))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "PATH=/usr/bin\n") || !strings.Contains(got, "APP_MODE=prod\n") {
		t.Errorf("environment = %q, missing expected entries", got)
	}
}

func TestWriteEnvFile_EmptySkipsFile(t *testing.T) {
	rootfs := t.TempDir()
	if err := writeEnvFile(rootfs, nil); err != nil {
		t.Fatalf("writeEnvFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rootfs, "etc", "environment")); !os.IsNotExist(err) {
		t.Errorf("expected no /etc/environment for an image with no declared ENV, got err=%v", err)
	}
}

func TestCreateSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rootfs.ext4")
	if err := createSparseFile(path, 8); err != nil {
		t.Fatalf("createSparseFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 8*1024*1024 {
		t.Errorf("size = %d, want %d", info.Size(), 8*1024*1024)
	}
}
