package image

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// createSparseFile creates (or truncates) a sparse file of sizeMiB MiB at
// path. No blocks are allocated until data is written into them.
func createSparseFile(path string, sizeMiB int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(sizeMiB) * 1024 * 1024)
}

// formatExt4 populates the sparse file at imagePath with an ext4
// filesystem whose contents are sourceDir's tree. There is no pure-Go
// ext4 formatter in reach, so this shells out to mkfs.ext4 exactly as
// the host-network layer shells out to ip/iptables — a typed error
// preserves stderr on failure.
func formatExt4(ctx context.Context, imagePath, sourceDir string) error {
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-q", "-F", "-d", sourceDir, imagePath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &errs.ImageConvert{Ref: sourceDir, Cause: fmt.Errorf("mkfs.ext4: %w: %s", err, stderr.String())}
	}
	return nil
}
