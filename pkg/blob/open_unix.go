//go:build unix

package blob

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// openBlob opens path read-only without following a symbolic link in the
// final component, closing the gap between Resolve and the open.
func openBlob(op, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, unix.ELOOP) {
		return nil, xerrors.Wrap(xerrors.KindSymlink, op, path, err)
	}
	return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
}
