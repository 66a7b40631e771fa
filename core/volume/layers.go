//go:build linux

package volume

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/continuity/fs"

	"github.com/blockspacer/porto/core/pathops"
)

// copyTree recursively copies src's contents onto dst, used to merge a
// layer onto a non-overlay volume path.
func copyTree(src, dst string) error {
	return fs.CopyDir(dst, src)
}

const (
	whiteoutPrefix = ".wh."
	whiteoutMeta   = ".wh..wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// sanitizeWhiteouts walks root recursively, resolving aufs-style whiteout
// markers left over from a layer merge or stage. When merging is true each marker is removed together
// with the entry it hides; when false
// (overlay staging a foreign layer) ordinary whiteouts are converted to
// native overlay char-device whiteouts so the kernel driver understands
// them.
func sanitizeWhiteouts(root string, merging bool) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(root, name)

		if e.IsDir() {
			if err := sanitizeWhiteouts(full, merging); err != nil {
				return err
			}
			continue
		}
		if !strings.HasPrefix(name, whiteoutPrefix) {
			continue
		}
		if name == whiteoutOpaque {
			if err := os.Remove(full); err != nil {
				return err
			}
			if err := pathops.SetXattr(root, "trusted.overlay.opaque", "y"); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(name, whiteoutMeta) {
			if err := os.Remove(full); err != nil {
				return err
			}
			continue
		}

		hidden := filepath.Join(root, strings.TrimPrefix(name, whiteoutPrefix))
		if err := os.Remove(full); err != nil {
			return err
		}
		if merging {
			if err := os.RemoveAll(hidden); err != nil {
				return err
			}
			continue
		}
		if err := pathops.MknodCharWhiteout(hidden); err != nil {
			return err
		}
	}
	return nil
}

// escapeLowerdir backslash-escapes colons in a lowerdir path component, as
// required by the overlay mount option grammar.
func escapeLowerdir(path string) string {
	return strings.ReplaceAll(path, ":", `\:`)
}
