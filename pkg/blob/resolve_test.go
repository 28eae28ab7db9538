package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestResolveExistingFile(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Root(), "abc", "def"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "abc", "def", "blob"), []byte("x"), 0o644))

	got, err := r.Resolve(filepath.Join("abc", "def", "blob"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "abc", "def", "blob"), got)
}

func TestResolveRejections(t *testing.T) {
	r := newTestResolver(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(r.Root(), "abc"), 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(r.Root(), "abc", "def")))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root(), "real"), []byte("r"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(r.Root(), "real"), filepath.Join(r.Root(), "alias")))

	testcases := []struct {
		name string
		rel  string
		kind xerrors.Kind
	}{
		{name: "missing", rel: "nope", kind: xerrors.KindNotFound},
		{name: "dot dot", rel: filepath.Join("..", "..", "etc", "passwd"), kind: xerrors.KindTraversal},
		{name: "absolute", rel: filepath.Join(outside, "secret"), kind: xerrors.KindTraversal},
		{name: "symlinked shard directory", rel: filepath.Join("abc", "def", "secret"), kind: xerrors.KindSymlink},
		{name: "symlinked file inside root", rel: "alias", kind: xerrors.KindSymlink},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Resolve(tc.rel)
			require.Error(t, err)
			assert.Equal(t, tc.kind, xerrors.KindOf(err))
		})
	}
}

func TestEnsureDirCreatesLevels(t *testing.T) {
	r := newTestResolver(t)
	dir, err := r.EnsureDir(filepath.Join("aaa", "bbb", "ccc"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "aaa", "bbb", "ccc"), dir)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	again, err := r.EnsureDir(filepath.Join("aaa", "bbb", "ccc"))
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestEnsureDirRefusesSymlink(t *testing.T) {
	r := newTestResolver(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(r.Root(), "aaa")))

	_, err := r.EnsureDir(filepath.Join("aaa", "bbb", "ccc"))
	require.Error(t, err)
	assert.Equal(t, xerrors.KindSymlink, xerrors.KindOf(err))

	entries, err := os.ReadDir(outside)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may be created through the link")
}

func TestNewResolverRequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err := NewResolver(file)
	require.Error(t, err)

	_, err = NewResolver("")
	require.Error(t, err)
}

func TestWithin(t *testing.T) {
	root := filepath.FromSlash("/srv/store")
	assert.True(t, within(root, root))
	assert.True(t, within(root, filepath.Join(root, "a", "b")))
	assert.True(t, within(root, filepath.Join(root, "..dotfile")))
	assert.False(t, within(root, filepath.FromSlash("/srv")))
	assert.False(t, within(root, filepath.FromSlash("/srv/store2/x")))
}
