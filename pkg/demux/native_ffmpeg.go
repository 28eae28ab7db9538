//go:build ffmpeg

package demux

/*
#cgo pkg-config: libavformat libavcodec libavutil
#include <stdlib.h>
#include "native_ffmpeg.h"
*/
import "C"

import (
	"errors"
	"io"
	"runtime/cgo"
	"time"
	"unsafe"
)

// DefaultBackend returns the libavformat backend.
func DefaultBackend() Backend { return ffmpegBackend{} }

// Supported reports whether a native demuxer is linked in.
func Supported() bool { return true }

type ffmpegBackend struct{}

type ffmpegIO struct {
	ctx    *C.AVIOContext
	handle cgo.Handle
}

type ffmpegFormat struct {
	ctx *C.AVFormatContext
}

//export mcReadPacket
func mcReadPacket(opaque C.uintptr_t, buf *C.uint8_t, size C.int) C.int {
	read := cgo.Handle(opaque).Value().(ReadFunc)
	p := unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(size))
	n, err := read(p)
	if n > 0 {
		return C.int(n)
	}
	if err == nil || errors.Is(err, io.EOF) {
		return C.mc_averror_eof()
	}
	return C.mc_averror_eio()
}

func nativeError(op string, code C.int) error {
	var buf [256]C.char
	msg := ""
	if C.av_strerror(code, &buf[0], C.size_t(len(buf))) == 0 {
		msg = C.GoString(&buf[0])
	}
	return &NativeError{Op: op, Code: int(code), Message: msg}
}

func (ffmpegBackend) AllocBuffer(size int) (Handle, error) {
	p := C.av_malloc(C.size_t(size))
	if p == nil {
		return nil, &NativeError{Op: "av_malloc", Message: "out of memory"}
	}
	return (*C.uint8_t)(p), nil
}

func (ffmpegBackend) AllocIO(buf Handle, size int, read ReadFunc) (Handle, error) {
	h := cgo.NewHandle(read)
	ctx := C.mc_alloc_io(buf.(*C.uint8_t), C.int(size), C.uintptr_t(h))
	if ctx == nil {
		h.Delete()
		return nil, &NativeError{Op: "avio_alloc_context", Message: "out of memory"}
	}
	return &ffmpegIO{ctx: ctx, handle: h}, nil
}

func (ffmpegBackend) AllocFormat(ioc Handle, probeSize int64) (Handle, error) {
	fc := C.mc_alloc_format(ioc.(*ffmpegIO).ctx, C.int64_t(probeSize))
	if fc == nil {
		return nil, &NativeError{Op: "avformat_alloc_context", Message: "out of memory"}
	}
	return &ffmpegFormat{ctx: fc}, nil
}

func (ffmpegBackend) OpenInput(format Handle) error {
	f := format.(*ffmpegFormat)
	if rc := C.mc_open_input(&f.ctx); rc < 0 {
		f.ctx = nil
		return nativeError("avformat_open_input", rc)
	}
	return nil
}

func (ffmpegBackend) FindStreamInfo(format Handle) error {
	if rc := C.avformat_find_stream_info(format.(*ffmpegFormat).ctx, nil); rc < 0 {
		return nativeError("avformat_find_stream_info", rc)
	}
	return nil
}

func (ffmpegBackend) Describe(format Handle) (Info, error) {
	fc := format.(*ffmpegFormat).ctx
	info := Info{
		FormatName: C.GoString(fc.iformat.name),
		BitRate:    int64(fc.bit_rate),
	}
	if fc.duration > 0 {
		info.Duration = time.Duration(fc.duration) * time.Microsecond
	}
	for i := C.uint(0); i < fc.nb_streams; i++ {
		par := C.mc_stream(fc, i).codecpar
		s := Stream{
			Index:     int(i),
			CodecName: C.GoString(C.avcodec_get_name(par.codec_id)),
		}
		if t := C.av_get_media_type_string(par.codec_type); t != nil {
			s.MediaType = C.GoString(t)
		}
		switch par.codec_type {
		case C.AVMEDIA_TYPE_VIDEO:
			s.Width, s.Height = int(par.width), int(par.height)
		case C.AVMEDIA_TYPE_AUDIO:
			s.SampleRate = int(par.sample_rate)
			s.Channels = int(C.mc_channels(par))
		}
		info.Streams = append(info.Streams, s)
	}
	return info, nil
}

func (ffmpegBackend) CloseInput(format Handle) {
	C.avformat_close_input(&format.(*ffmpegFormat).ctx)
}

func (ffmpegBackend) FreeFormat(format Handle) {
	f := format.(*ffmpegFormat)
	C.avformat_free_context(f.ctx)
	f.ctx = nil
}

func (ffmpegBackend) FreeIO(ioc Handle) {
	i := ioc.(*ffmpegIO)
	C.mc_free_io(&i.ctx)
	i.handle.Delete()
}

func (ffmpegBackend) FreeBuffer(buf Handle) {
	C.av_free(unsafe.Pointer(buf.(*C.uint8_t)))
}
