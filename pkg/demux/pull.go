package demux

import (
	"context"
	"io"
	"sync"
)

// maxEmptyReads bounds consecutive (0, nil) reads before a pull gives up.
const maxEmptyReads = 100

// Puller adapts an io.Reader to the native pull callback. Access to the
// reader is serialized, and once the reader reports EOF or an error it is
// never read again; later pulls return the same condition.
type Puller struct {
	mu     sync.Mutex
	r      io.Reader
	err    error
	pulled int64
}

// NewPuller returns a Puller reading from r.
func NewPuller(r io.Reader) *Puller {
	return &Puller{r: r}
}

// Read fills p with at most len(p) bytes. Data delivered together with a
// terminal error is returned first and the error on the next call.
func (p *Puller) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	for i := 0; i < maxEmptyReads; i++ {
		n, err := p.r.Read(buf)
		p.pulled += int64(n)
		if err != nil {
			p.err = err
			p.r = nil
		}
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
	}
	p.err = io.ErrNoProgress
	p.r = nil
	return 0, p.err
}

// Pulled reports how many bytes have been handed out.
func (p *Puller) Pulled() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulled
}

// Err returns the terminal condition, or nil while the reader is live.
func (p *Puller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

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
