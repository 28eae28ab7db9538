package blob

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// TempPrefix starts the name of every in-progress upload. It can never
// collide with an identifier because '.' is outside the identifier alphabet.
const TempPrefix = ".upload-"

const defaultPutAttempts = 3

// IsTempName reports whether name is an in-progress upload file.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// PathStoreOptions configures a PathStore.
type PathStoreOptions struct {
	// NewID generates identifiers for Put. Defaults to NewID.
	NewID func() ID
	// PutAttempts bounds how many identifiers Put tries. Defaults to 3.
	PutAttempts int
	// NoSync skips fsync before publishing a blob.
	NoSync bool
	Logger *zap.Logger
}

// PathStore persists blobs on the local filesystem under a sharded layout:
// <root>/<3>/<3>/<3>/<id>. A blob becomes visible under its final name only
// once it is fully written.
type PathStore struct {
	resolver *Resolver
	locks    *lockTable
	newID    func() ID
	attempts int
	noSync   bool
	log      *zap.Logger
}

// NewPathStore returns a Store rooted at root, creating it if needed.
func NewPathStore(root string, opts PathStoreOptions) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	resolver, err := NewResolver(root)
	if err != nil {
		return nil, err
	}
	p := &PathStore{
		resolver: resolver,
		locks:    newLockTable(),
		newID:    opts.NewID,
		attempts: opts.PutAttempts,
		noSync:   opts.NoSync,
		log:      opts.Logger,
	}
	if p.newID == nil {
		p.newID = NewID
	}
	if p.attempts <= 0 {
		p.attempts = defaultPutAttempts
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p, nil
}

// Root returns the canonical store root.
func (p *PathStore) Root() string { return p.resolver.Root() }

// Write stores r under id. An identifier that is already stored, or that
// another writer currently holds, is a KindAlreadyExists collision; nothing
// is overwritten.
func (p *PathStore) Write(ctx context.Context, id ID, r io.Reader) (ID, int64, error) {
	n, _, err := p.write(ctx, id, r)
	if err != nil {
		return "", 0, err
	}
	return id, n, nil
}

// Put stores r under a generated identifier. Collisions detected before r
// is consumed are retried with a fresh identifier.
func (p *PathStore) Put(ctx context.Context, r io.Reader) (ID, int64, error) {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		id := p.newID()
		n, consumed, err := p.write(ctx, id, r)
		if err == nil {
			return id, n, nil
		}
		lastErr = err
		if consumed || !xerrors.Is(err, xerrors.KindAlreadyExists) {
			break
		}
		p.log.Warn("identifier collision, retrying", zap.String("id", string(id)), zap.Int("attempt", attempt+1))
	}
	return "", 0, lastErr
}

// write reports whether r was read from so Put knows if a retry is safe.
func (p *PathStore) write(ctx context.Context, id ID, r io.Reader) (n int64, consumed bool, err error) {
	const op = "blob.Write"
	if err := ValidateID(id); err != nil {
		return 0, false, err
	}
	release, ok := p.locks.TryLock(string(id))
	if !ok {
		return 0, false, xerrors.E(xerrors.KindAlreadyExists, op, string(id))
	}
	defer release()

	rel, name := Shard(id)
	dir, err := p.resolver.EnsureDir(filepath.Dir(rel))
	if err != nil {
		return 0, false, err
	}
	target := filepath.Join(dir, string(name))
	if info, err := os.Lstat(target); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return 0, false, xerrors.E(xerrors.KindSymlink, op, string(id))
		}
		return 0, false, xerrors.E(xerrors.KindAlreadyExists, op, string(id))
	} else if !errors.Is(err, iofs.ErrNotExist) {
		return 0, false, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}

	file, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}
	tmpName := file.Name()
	defer os.Remove(tmpName)

	n, err = io.Copy(file, &contextReader{ctx: ctx, r: r})
	if err != nil {
		file.Close()
		// A client that went away mid-upload is not a store failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return 0, true, xerrors.Wrap(xerrors.KindOf(err), op, string(id), err)
	}
	if !p.noSync {
		if err := file.Sync(); err != nil {
			file.Close()
			return 0, true, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
		}
	}
	if err := file.Close(); err != nil {
		return 0, true, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}
	// link(2) refuses to replace an existing name, so publishing is
	// create-only even against writers outside this process.
	if err := os.Link(tmpName, target); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return 0, true, xerrors.E(xerrors.KindAlreadyExists, op, string(id))
		}
		return 0, true, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}
	p.log.Debug("blob stored", zap.String("id", string(id)), zap.Int64("size", n))
	return n, true, nil
}

// Read opens the blob stored under id. A missing blob whose identifier is
// being written reports KindNotFound with "write in progress".
func (p *PathStore) Read(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	const op = "blob.Read"
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := p.resolve(op, id)
	if err != nil {
		return nil, 0, err
	}
	f, err := openBlob(op, path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, xerrors.Wrap(xerrors.KindInternal, op, string(id), err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, xerrors.E(xerrors.KindInvalid, op, string(id))
	}
	return f, info.Size(), nil
}

// Stat reports size and modification time without opening the blob.
func (p *PathStore) Stat(ctx context.Context, id ID) (Info, error) {
	const op = "blob.Stat"
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	path, err := p.resolve(op, id)
	if err != nil {
		return Info{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Info{}, xerrors.Wrap(xerrors.KindOf(err), op, string(id), err)
	}
	return Info{ID: id, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Delete removes the blob stored under id, waiting for any writer of the
// same identifier to finish first.
func (p *PathStore) Delete(ctx context.Context, id ID) error {
	const op = "blob.Delete"
	if err := ValidateID(id); err != nil {
		return err
	}
	release, err := p.locks.Lock(ctx, string(id))
	if err != nil {
		return err
	}
	defer release()
	rel, _ := Shard(id)
	path, err := p.resolver.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), op, string(id), err)
	}
	p.log.Debug("blob deleted", zap.String("id", string(id)))
	return nil
}

// Exists reports whether id is stored.
func (p *PathStore) Exists(ctx context.Context, id ID) (bool, error) {
	_, err := p.Stat(ctx, id)
	if err == nil {
		return true, nil
	}
	if xerrors.Is(err, xerrors.KindNotFound) {
		return false, nil
	}
	return false, err
}

func (p *PathStore) resolve(op string, id ID) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	rel, _ := Shard(id)
	path, err := p.resolver.Resolve(rel)
	if xerrors.Is(err, xerrors.KindNotFound) && p.locks.Busy(string(id)) {
		return "", xerrors.Wrap(xerrors.KindNotFound, op, string(id), errWriteInProgress)
	}
	return path, err
}

var errWriteInProgress = errors.New("write in progress")

// contextReader fails reads once ctx is done so a canceled upload stops
// between chunks.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
