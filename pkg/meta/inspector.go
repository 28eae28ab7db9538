// Package meta derives descriptive metadata for stored blobs on demand.
// Nothing is persisted; results are cached in memory.
package meta

import (
	"context"
	"encoding/hex"
	"io"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/jacktea/mediacaddy/pkg/blob"
	"github.com/jacktea/mediacaddy/pkg/cache"
	"github.com/jacktea/mediacaddy/pkg/demux"
	"github.com/jacktea/mediacaddy/pkg/media"
	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// Record describes one stored blob.
type Record struct {
	ID        blob.ID     `json:"id"`
	Format    string      `json:"format"`
	MIME      string      `json:"mime"`
	Size      int64       `json:"size"`
	Modified  time.Time   `json:"modified"`
	BLAKE3    string      `json:"blake3"`
	Container *demux.Info `json:"container,omitempty"`
}

// Prober describes a media container read from r.
type Prober interface {
	Probe(ctx context.Context, r io.Reader) (demux.Info, error)
}

// Options configures an Inspector.
type Options struct {
	// Prober fills Record.Container for videos. Nil skips probing.
	Prober       Prober
	CacheEntries int
	CacheTTL     time.Duration
	Logger       *zap.Logger
}

// Inspector computes Records from blob contents.
type Inspector struct {
	store  blob.Store
	prober Prober
	cache  *cache.Cache[blob.ID, Record]
	log    *zap.Logger
}

// NewInspector returns an Inspector reading from store.
func NewInspector(store blob.Store, opts Options) *Inspector {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Inspector{
		store:  store,
		prober: opts.Prober,
		cache:  cache.New[blob.ID, Record](opts.CacheEntries, opts.CacheTTL),
		log:    log,
	}
}

// Describe returns the Record for id. A cached Record is reused while the
// blob's size and modification time are unchanged.
func (i *Inspector) Describe(ctx context.Context, id blob.ID) (Record, error) {
	info, err := i.store.Stat(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec, ok := i.cache.Get(id); ok && rec.Size == info.Size && rec.Modified.Equal(info.ModTime) {
		return rec, nil
	}

	rec := Record{ID: id, Size: info.Size, Modified: info.ModTime}
	format, digest, err := i.scan(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.Format, rec.MIME, rec.BLAKE3 = format.String(), format.MIME(), digest

	if format.IsVideo() && i.prober != nil {
		if container, err := i.probe(ctx, id); err != nil {
			i.log.Warn("container probe failed", zap.String("id", string(id)), zap.Error(err))
		} else {
			rec.Container = &container
		}
	}
	i.cache.Set(id, rec)
	return rec, nil
}

// scan sniffs the format and hashes the content in a single pass.
func (i *Inspector) scan(ctx context.Context, id blob.ID) (media.Format, string, error) {
	rc, _, err := i.store.Read(ctx, id)
	if err != nil {
		return media.Unknown, "", err
	}
	defer rc.Close()

	format, r, err := media.Sniff(rc)
	if err != nil && !xerrors.Is(err, xerrors.KindRejectedFormat) {
		return media.Unknown, "", err
	}
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return media.Unknown, "", xerrors.Wrap(xerrors.KindInternal, "meta.Describe", string(id), err)
	}
	return format, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (i *Inspector) probe(ctx context.Context, id blob.ID) (demux.Info, error) {
	rc, _, err := i.store.Read(ctx, id)
	if err != nil {
		return demux.Info{}, err
	}
	defer rc.Close()
	return i.prober.Probe(ctx, rc)
}

// Forget drops any cached Record for id.
func (i *Inspector) Forget(id blob.ID) {
	i.cache.Delete(id)
}

// CacheStats reports the Record cache counters.
func (i *Inspector) CacheStats() cache.Stats {
	return i.cache.Stats()
}

// Close stops background cache maintenance.
func (i *Inspector) Close() error {
	return i.cache.Close()
}
