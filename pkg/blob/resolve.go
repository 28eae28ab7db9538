package blob

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// Resolver jails relative paths to a fixed root directory. It rejects
// paths that escape the root lexically or through symbolic links, and
// paths that contain a symbolic link at any component below the root.
type Resolver struct {
	root string
}

// NewResolver canonicalizes root, which must be an existing directory.
func NewResolver(root string) (*Resolver, error) {
	const op = "blob.NewResolver"
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, op, "root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, root, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, root, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, root, err)
	}
	if !info.IsDir() {
		return nil, xerrors.E(xerrors.KindInvalid, op, root+" is not a directory")
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve joins rel onto the root and returns the canonical absolute path.
// The path must exist (KindNotFound), no component below the root may be a
// symbolic link (KindSymlink), and the result must stay under the root
// (KindTraversal).
func (r *Resolver) Resolve(rel string) (string, error) {
	const op = "blob.Resolve"
	parts, err := r.split(op, rel)
	if err != nil {
		return "", err
	}
	cur := r.root
	for _, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindOf(err), op, rel, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", xerrors.E(xerrors.KindSymlink, op, rel)
		}
	}
	return r.canonical(op, rel, cur)
}

// EnsureDir is Resolve for directories that may not exist yet: missing
// components are created one level at a time, so a symbolic link planted
// anywhere along the way is reported instead of followed.
func (r *Resolver) EnsureDir(rel string) (string, error) {
	const op = "blob.EnsureDir"
	parts, err := r.split(op, rel)
	if err != nil {
		return "", err
	}
	cur := r.root
	for _, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, iofs.ErrNotExist) {
			if err := os.Mkdir(cur, 0o755); err != nil && !errors.Is(err, iofs.ErrExist) {
				return "", xerrors.Wrap(xerrors.KindInternal, op, rel, err)
			}
			info, err = os.Lstat(cur)
		}
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindOf(err), op, rel, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", xerrors.E(xerrors.KindSymlink, op, rel)
		}
		if !info.IsDir() {
			return "", xerrors.E(xerrors.KindInvalid, op, rel+" is not a directory")
		}
	}
	return r.canonical(op, rel, cur)
}

// split validates rel lexically and returns its components.
func (r *Resolver) split(op, rel string) ([]string, error) {
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return nil, xerrors.E(xerrors.KindTraversal, op, rel)
	}
	joined := filepath.Join(r.root, rel)
	if !within(r.root, joined) {
		return nil, xerrors.E(xerrors.KindTraversal, op, rel)
	}
	inner, err := filepath.Rel(r.root, joined)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTraversal, op, rel, err)
	}
	if inner == "." {
		return nil, nil
	}
	return strings.Split(inner, string(filepath.Separator)), nil
}

func (r *Resolver) canonical(op, rel, path string) (string, error) {
	canon, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindOf(err), op, rel, err)
	}
	if !within(r.root, canon) {
		return "", xerrors.E(xerrors.KindTraversal, op, rel)
	}
	return canon, nil
}

// within reports whether path equals root or lies beneath it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
