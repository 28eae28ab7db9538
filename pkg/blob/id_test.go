package blob

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

func TestGeneratorLayout(t *testing.T) {
	entropy := bytes.Repeat([]byte{0xAB}, 16)
	entropy = append(entropy, 0x01, 0x02, 0x03, 0x04)
	now := time.Unix(1700000000, 0)
	g := NewGenerator(func() time.Time { return now }, bytes.NewReader(entropy))

	id := g.New()
	require.NoError(t, ValidateID(id))

	raw, err := idEncoding.DecodeString(string(id))
	require.NoError(t, err)
	require.Len(t, raw, 28)
	assert.Equal(t, uint64(1700000000), binary.LittleEndian.Uint64(raw[16:24]))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, raw[24:])
	assert.Len(t, string(id), 38)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[ID]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.NoError(t, ValidateID(id))
		_, dup := seen[id]
		require.False(t, dup, "duplicate identifier %s", id)
		seen[id] = struct{}{}
	}
}

func TestGeneratorPanicsBeforeEpoch(t *testing.T) {
	g := NewGenerator(func() time.Time { return time.Unix(-1, 0) }, nil)
	assert.Panics(t, func() { g.New() })
}

func TestShard(t *testing.T) {
	rel, id := Shard("ab3xY9_kLmZpQ7r")
	assert.Equal(t, filepath.FromSlash("ab3/xY9/_kL/ab3xY9_kLmZpQ7r"), rel)
	assert.Equal(t, ID("ab3xY9_kLmZpQ7r"), id)

	again, _ := Shard("ab3xY9_kLmZpQ7r")
	assert.Equal(t, rel, again)
}

func TestShardPanicsOnShortID(t *testing.T) {
	assert.Panics(t, func() { Shard("abcdefgh") })
	assert.NotPanics(t, func() { Shard("abcdefghi") })
}

func TestValidateID(t *testing.T) {
	testcases := []struct {
		name string
		id   ID
		kind xerrors.Kind
		ok   bool
	}{
		{name: "generated", id: NewID(), ok: true},
		{name: "minimum length", id: "abcdefghi", ok: true},
		{name: "empty", id: "", kind: xerrors.KindInvalid},
		{name: "too short", id: "abc", kind: xerrors.KindInvalid},
		{name: "dot dot", id: "../../etc/passwd", kind: xerrors.KindTraversal},
		{name: "embedded dot dot", id: "abcdefghi..", kind: xerrors.KindTraversal},
		{name: "absolute", id: "/etc/passwdxx", kind: xerrors.KindTraversal},
		{name: "backslash", id: `abc\def\ghi`, kind: xerrors.KindTraversal},
		{name: "padding char", id: "abcdefghi=", kind: xerrors.KindInvalid},
		{name: "temp file name", id: ".upload-123456", kind: xerrors.KindInvalid},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateID(tc.id)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.kind, xerrors.KindOf(err))
		})
	}
}
