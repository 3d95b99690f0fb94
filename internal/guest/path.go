package guest

import (
	"path"
	"strings"

	"github.com/xfeldman/hyperfleet/internal/errs"
)

// validatePath rejects p with *errs.PathTraversal if it contains a NUL
// byte, or if path.Clean shows it climbing above its own root via "..",
// before any bytes are sent to the guest agent. Absolute paths are
// naturally clamped at "/" by Clean and never trigger this; the check
// exists for relative-looking paths whose ".." segments outnumber their
// real depth.
func validatePath(p string) error {
	if strings.ContainsRune(p, 0) {
		return &errs.PathTraversal{Path: p}
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return &errs.PathTraversal{Path: p}
	}
	return nil
}
