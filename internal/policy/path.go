package policy

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/munlucky/moonbot/pkg/protocol"
)

// ResolvePath resolves a path relative to the workspace root and validates
// containment. Symlinks are resolved to canonical paths so that symlink and
// hardlink tricks cannot escape the root. Returns the canonical absolute
// path on success.
func ResolvePath(path, root string) (string, error) {
	if path == "" {
		return "", violation(protocol.CodeInvalidPath, "path is required")
	}

	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(root, path))
	}

	// Resolve root to canonical path (follow symlinks in the root itself).
	absRoot, _ := filepath.Abs(root)
	rootReal, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		rootReal = absRoot // root doesn't exist yet, use as-is
	}

	// Resolve the target to canonical form (follows all symlinks).
	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if os.IsNotExist(err) {
			// Check if the path itself is a broken symlink. Lstat doesn't
			// follow symlinks, so it succeeds even for dangling ones.
			if linfo, lerr := os.Lstat(absResolved); lerr == nil && linfo.Mode()&os.ModeSymlink != 0 {
				target, readErr := os.Readlink(absResolved)
				if readErr != nil {
					return "", violation(protocol.CodeInvalidPath, "cannot resolve symlink")
				}
				if !filepath.IsAbs(target) {
					target = filepath.Join(filepath.Dir(absResolved), target)
				}
				target = filepath.Clean(target)

				// Resolve through existing ancestors to catch chained
				// symlinks whose intermediate targets escape the root.
				chained, resolveErr := resolveThroughExistingAncestors(target)
				if resolveErr != nil {
					slog.Warn("path.broken_symlink_resolve_failed", "path", path, "target", target)
					return "", violation(protocol.CodeInvalidPath, "cannot resolve broken symlink target")
				}
				if !isPathInside(chained, rootReal) {
					slog.Warn("path.broken_symlink_escape", "path", path, "target", chained, "root", rootReal)
					return "", violation(protocol.CodeInvalidPath, "symlink target outside workspace")
				}
				real = chained
			} else {
				// Truly non-existent file: resolve the parent and re-validate.
				parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
				if parentErr != nil {
					return "", violation(protocol.CodeInvalidPath, "cannot resolve path")
				}
				real = filepath.Join(parentReal, filepath.Base(absResolved))
			}
		} else {
			slog.Warn("path.resolve_failed", "path", path, "error", err)
			return "", violation(protocol.CodeInvalidPath, "cannot resolve path")
		}
	}

	if !isPathInside(real, rootReal) {
		slog.Warn("path.escape", "path", path, "resolved", real, "root", rootReal)
		return "", violation(protocol.CodeInvalidPath, "path outside workspace")
	}

	// Reject paths with mutable symlink components. A symlink whose parent
	// directory is writable could be replaced between resolution time and
	// the actual file operation.
	if hasMutableSymlinkParent(real) {
		slog.Warn("path.mutable_symlink_parent", "path", path, "resolved", real)
		return "", violation(protocol.CodeInvalidPath, "path contains mutable symlink component")
	}

	if err := checkHardlink(real); err != nil {
		return "", err
	}

	return real, nil
}

// isPathInside checks whether child is inside or equal to parent directory.
func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// resolveThroughExistingAncestors resolves a path by finding the deepest
// existing ancestor, canonicalizing it with EvalSymlinks, then appending
// the remaining non-existent components.
func resolveThroughExistingAncestors(target string) (string, error) {
	if real, err := filepath.EvalSymlinks(target); err == nil {
		return real, nil
	}

	current := target
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, component := range tail {
				result = filepath.Join(result, component)
			}
			return result, nil
		}
	}
	return filepath.Clean(target), nil
}

// hasMutableSymlinkParent checks if any component of the resolved path is a
// symlink whose parent directory is writable by the current process.
func hasMutableSymlinkParent(path string) bool {
	clean := filepath.Clean(path)
	components := strings.Split(clean, string(filepath.Separator))
	current := string(filepath.Separator)
	for _, comp := range components {
		if comp == "" {
			continue
		}
		current = filepath.Join(current, comp)
		info, err := os.Lstat(current)
		if err != nil {
			break // non-existent, stop checking
		}
		if info.Mode()&os.ModeSymlink != 0 {
			parentDir := filepath.Dir(current)
			if syscall.Access(parentDir, 0x2 /* W_OK */) == nil {
				return true
			}
		}
	}
	return false
}

// checkHardlink rejects regular files with nlink > 1. Directories naturally
// have nlink > 1 and are exempt.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return nil // non-existent files fail later at read/write
	}
	if info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		if stat.Nlink > 1 {
			slog.Warn("path.hardlink_rejected", "path", path, "nlink", stat.Nlink)
			return violation(protocol.CodeInvalidPath, "hardlinked file not allowed")
		}
	}
	return nil
}
