// Package gc removes upload leftovers from a blob store root.
package gc

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/mediacaddy/pkg/blob"
	"github.com/jacktea/mediacaddy/pkg/metrics"
)

// DefaultMaxAge is how old a temp file must be before it is considered
// abandoned.
const DefaultMaxAge = time.Hour

// Options configures a Sweeper.
type Options struct {
	Root   string
	MaxAge time.Duration
	Logger *zap.Logger
	Now    func() time.Time

	// Metrics counts removed files. Optional.
	Metrics *metrics.Metrics
}

// Sweeper deletes temp files left behind by writes that never finished,
// which only happens when the process dies mid-upload.
type Sweeper struct {
	root    string
	maxAge  time.Duration
	log     *zap.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewSweeper returns a Sweeper for the store rooted at opts.Root.
func NewSweeper(opts Options) *Sweeper {
	s := &Sweeper{
		root:    opts.Root,
		maxAge:  opts.MaxAge,
		log:     opts.Logger,
		now:     opts.Now,
		metrics: opts.Metrics,
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Sweep performs one pass, returning the number of files removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge)
	var removed int
	err := filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !blob.IsTempName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return err
		}
		removed++
		s.log.Info("removed stale upload", zap.String("path", path), zap.Time("modified", info.ModTime()))
		return nil
	})
	s.metrics.ObserveSweep(removed)
	return removed, err
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			_, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("temp sweep failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
