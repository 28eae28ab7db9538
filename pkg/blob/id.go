package blob

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

const (
	// shardWidth is the number of identifier characters per directory level.
	shardWidth = 3
	// shardLevels is the number of nested directories above each blob.
	shardLevels = 3
	// MinIDLength is the shortest identifier Shard accepts.
	MinIDLength = shardWidth * shardLevels
)

var idEncoding = base64.RawURLEncoding

// Generator produces identifiers from a clock and an entropy source.
// The zero value is not usable; see NewGenerator.
type Generator struct {
	now  func() time.Time
	rand io.Reader
}

// NewGenerator returns a Generator reading time from now and entropy from
// rand. Nil arguments select time.Now and crypto/rand.
func NewGenerator(now func() time.Time, rand io.Reader) *Generator {
	g := &Generator{now: now, rand: rand}
	if g.now == nil {
		g.now = time.Now
	}
	if g.rand == nil {
		g.rand = cryptoReader
	}
	return g
}

var (
	cryptoReader     io.Reader = rand.Reader
	defaultGenerator           = NewGenerator(nil, nil)
)

// NewID returns a fresh identifier from the process-wide generator.
func NewID() ID {
	return defaultGenerator.New()
}

// New builds an identifier from a random UUID, the current Unix time in
// seconds (8 bytes little-endian) and a random uint32 (little-endian),
// encoded as unpadded URL-safe base64.
//
// New panics if the clock reads before the Unix epoch or the entropy
// source fails.
func (g *Generator) New() ID {
	u, err := uuid.NewRandomFromReader(g.rand)
	if err != nil {
		panic(fmt.Sprintf("blob: entropy source failed: %v", err))
	}
	secs := g.now().Unix()
	if secs < 0 {
		panic("blob: clock reads before the Unix epoch")
	}
	var tail [4]byte
	if _, err := io.ReadFull(g.rand, tail[:]); err != nil {
		panic(fmt.Sprintf("blob: entropy source failed: %v", err))
	}

	raw := make([]byte, 0, len(u)+8+len(tail))
	raw = append(raw, u[:]...)
	raw = binary.LittleEndian.AppendUint64(raw, uint64(secs))
	raw = append(raw, tail[:]...)
	return ID(idEncoding.EncodeToString(raw))
}

// Shard maps id onto its relative on-disk path: three directories of three
// characters each, then the full identifier. Shard panics if id is shorter
// than MinIDLength; callers validate untrusted identifiers first.
func Shard(id ID) (string, ID) {
	name := string(id)
	if len(name) < MinIDLength {
		panic(fmt.Sprintf("blob: identifier %q shorter than %d characters", name, MinIDLength))
	}
	parts := make([]string, 0, shardLevels+1)
	for i := 0; i < shardLevels; i++ {
		parts = append(parts, name[i*shardWidth:(i+1)*shardWidth])
	}
	parts = append(parts, name)
	return filepath.Join(parts...), id
}

// ValidateID rejects identifiers that could not have come from a Generator.
// Separators, dot segments and absolute paths are reported as traversal
// attempts so callers see the same kind the resolver would return.
func ValidateID(id ID) error {
	name := string(id)
	const op = "blob.ValidateID"
	switch {
	case name == "":
		return xerrors.E(xerrors.KindInvalid, op, "empty identifier")
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."), filepath.IsAbs(name):
		return xerrors.E(xerrors.KindTraversal, op, name)
	case len(name) < MinIDLength:
		return xerrors.E(xerrors.KindInvalid, op, name)
	}
	for i := 0; i < len(name); i++ {
		if !isIDChar(name[i]) {
			return xerrors.E(xerrors.KindInvalid, op, name)
		}
	}
	return nil
}

func isIDChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_':
		return true
	}
	return false
}
