package demux

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// DefaultProbeSize bounds how many bytes stream probing may consume.
const DefaultProbeSize = 5_000_000

// Options configures Open.
type Options struct {
	// ProbeSize bounds the bytes read while probing stream info.
	ProbeSize int64
	// Backend overrides the native demuxer. Defaults to DefaultBackend().
	Backend Backend
	Logger  *zap.Logger
}

type state int

const (
	stateConstructing state = iota
	stateOpen
	stateClosed
)

type owner int

const (
	ownerNone owner = iota
	// ownerSelf resources are freed by Input's teardown.
	ownerSelf
	// ownerIO resources are freed together with the I/O context.
	ownerIO
	// ownerNative resources were already released by the native layer.
	ownerNative
)

type resource struct {
	handle Handle
	owner  owner
}

func (r resource) ours() bool { return r.handle != nil && r.owner == ownerSelf }

// Input is an opened container streaming from a reader. It must be closed.
type Input struct {
	mu      sync.Mutex
	backend Backend
	state   state
	buffer  resource
	io      resource
	format  resource
	puller  *Puller
	worker  *worker
	info    Info
	log     *zap.Logger
}

// Open opens the container read from r and probes its streams. The reader
// is consumed incrementally and need not be seekable. When ctx is canceled
// the next pull fails and Open reports the cancellation.
func Open(ctx context.Context, r io.Reader, opts Options) (*Input, error) {
	const op = "demux.Open"
	b := opts.Backend
	if b == nil {
		b = DefaultBackend()
	}
	if b == nil {
		return nil, xerrors.Wrap(xerrors.KindNotSupported, op, "", errors.ErrUnsupported)
	}
	probeSize := opts.ProbeSize
	if probeSize <= 0 {
		probeSize = DefaultProbeSize
	}
	in := &Input{
		backend: b,
		puller:  NewPuller(&contextReader{ctx: ctx, r: r}),
		worker:  newWorker(),
		log:     opts.Logger,
	}
	if in.log == nil {
		in.log = zap.NewNop()
	}

	var err error
	in.worker.do(func() { err = in.open(probeSize) })
	if err != nil {
		in.worker.do(in.teardown)
		in.worker.stop()
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = errors.Join(ctxErr, err)
		}
		return nil, err
	}
	in.log.Debug("container opened",
		zap.String("format", in.info.FormatName),
		zap.Int("streams", len(in.info.Streams)),
		zap.Int64("pulled", in.puller.Pulled()))
	return in, nil
}

func (in *Input) open(probeSize int64) error {
	const op = "demux.Open"
	buf, err := in.backend.AllocBuffer(BufferSize)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, "buffer", err)
	}
	in.buffer = resource{handle: buf, owner: ownerSelf}

	ioc, err := in.backend.AllocIO(buf, BufferSize, in.puller.Read)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, "io", err)
	}
	in.io = resource{handle: ioc, owner: ownerSelf}
	in.buffer.owner = ownerIO

	fc, err := in.backend.AllocFormat(ioc, probeSize)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, op, "format", err)
	}
	in.format = resource{handle: fc, owner: ownerSelf}

	if err := in.backend.OpenInput(fc); err != nil {
		in.format.owner = ownerNative
		return xerrors.Wrap(xerrors.KindOpenFailed, op, "", in.withPullErr(err))
	}
	in.state = stateOpen

	if err := in.backend.FindStreamInfo(fc); err != nil {
		return xerrors.Wrap(xerrors.KindProbeFailed, op, "", in.withPullErr(err))
	}
	info, err := in.backend.Describe(fc)
	if err != nil {
		return xerrors.Wrap(xerrors.KindProbeFailed, op, "", err)
	}
	in.info = info
	return nil
}

// withPullErr attaches the reader's failure, if any, to a native error.
func (in *Input) withPullErr(err error) error {
	pullErr := in.puller.Err()
	if pullErr == nil || errors.Is(pullErr, io.EOF) {
		return err
	}
	return errors.Join(pullErr, err)
}

// teardown frees every handle this Input owns exactly once, format context
// first, then the I/O context with its buffer, then a buffer never handed
// to an I/O context.
func (in *Input) teardown() {
	if in.format.ours() {
		if in.state == stateOpen {
			in.backend.CloseInput(in.format.handle)
		} else {
			in.backend.FreeFormat(in.format.handle)
		}
	}
	in.format = resource{}
	if in.io.ours() {
		in.backend.FreeIO(in.io.handle)
		if in.buffer.owner == ownerIO {
			in.buffer = resource{}
		}
	}
	in.io = resource{}
	if in.buffer.ours() {
		in.backend.FreeBuffer(in.buffer.handle)
	}
	in.buffer = resource{}
	in.state = stateClosed
}

// Info returns the probed container description.
func (in *Input) Info() Info {
	return in.info
}

// Pulled reports how many input bytes the native layer consumed.
func (in *Input) Pulled() int64 {
	return in.puller.Pulled()
}

// Close releases all native resources. It is safe to call more than once.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == stateClosed {
		return nil
	}
	in.worker.do(in.teardown)
	in.worker.stop()
	return nil
}

// Prober opens containers only to describe them.
type Prober struct {
	Options Options
}

// Probe reports the streams of the container read from r.
func (p *Prober) Probe(ctx context.Context, r io.Reader) (Info, error) {
	in, err := Open(ctx, r, p.Options)
	if err != nil {
		return Info{}, err
	}
	defer in.Close()
	return in.Info(), nil
}

// worker runs native calls on one goroutine locked to its OS thread.
type worker struct {
	calls chan func()
}

func newWorker() *worker {
	w := &worker{calls: make(chan func())}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		for fn := range w.calls {
			fn()
		}
	}()
	return w
}

func (w *worker) do(fn func()) {
	done := make(chan struct{})
	w.calls <- func() {
		defer close(done)
		fn()
	}
	<-done
}

func (w *worker) stop() {
	close(w.calls)
}
