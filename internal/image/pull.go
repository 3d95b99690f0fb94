// Package image implements the OCI Resolver + Cache (C4): reference
// parsing, layer pulling/unpacking, and a size-capped LRU rootfs cache.
package image

import (
	"context"
	"fmt"
	"runtime"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// PullResult is a pulled, platform-selected image, its digest, and the
// ENV entries from its OCI config (passed through to the guest init).
type PullResult struct {
	Image  v1.Image
	Digest string
	Env    []string
}

// Pull fetches the linux/<host-arch> variant of ref from its registry.
// Hyperfleet runs guests on Cloud Hypervisor, which always matches the
// host architecture — there is no cross-arch emulation path to select.
func Pull(ctx context.Context, ref *Reference) (*PullResult, error) {
	nref, err := name.ParseReference(ref.Normalized)
	if err != nil {
		return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: err}
	}

	platform := &v1.Platform{OS: "linux", Architecture: runtime.GOARCH}
	desc, err := remote.Get(nref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: err}
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("get image index: %w", err)}
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("get index manifest: %w", err)}
		}
		for _, m := range indexManifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == platform.Architecture {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("get %s image: %w", platform.Architecture, err)}
				}
				break
			}
		}
		if img == nil {
			return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("no linux/%s variant available", platform.Architecture)}
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("get image: %w", err)}
		}
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("get image config: %w", err)}
	}
	if cfg.OS != "linux" || cfg.Architecture != platform.Architecture {
		return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("image is %s/%s, want linux/%s", cfg.OS, cfg.Architecture, platform.Architecture)}
	}

	d, err := img.Digest()
	if err != nil {
		return nil, &errs.ImagePull{Ref: ref.Normalized, Cause: fmt.Errorf("get digest: %w", err)}
	}

	return &PullResult{Image: img, Digest: d.String(), Env: cfg.Config.Env}, nil
}
