//go:build !unix

package blob

import (
	"os"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// openBlob opens path read-only, refusing a symbolic link found by Lstat.
// Platforms without O_NOFOLLOW keep a small window between the two calls.
func openBlob(op, path string) (*os.File, error) {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, xerrors.E(xerrors.KindSymlink, op, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	return f, nil
}
