// Package demux opens media containers through a native demuxer that pulls
// its input from an io.Reader on demand, and reports the container's
// streams.
package demux

import (
	"fmt"
	"time"
)

// BufferSize is the size of the I/O buffer handed to the native layer.
const BufferSize = 8 * 1024

// Handle is an opaque native resource owned by a Backend.
type Handle any

// ReadFunc is the pull callback the native layer invokes for more input.
// It returns n > 0 with a nil error, or 0 with io.EOF or another error.
type ReadFunc func(p []byte) (int, error)

// Backend is the native demuxer surface. Handles are only valid on the
// Backend that returned them.
//
// Ownership follows libavformat: after AllocIO the I/O context owns the
// buffer and may reallocate it, so FreeIO releases whatever buffer it holds
// at that point. OpenInput frees the format context itself when it fails.
type Backend interface {
	AllocBuffer(size int) (Handle, error)
	AllocIO(buf Handle, size int, read ReadFunc) (Handle, error)
	AllocFormat(io Handle, probeSize int64) (Handle, error)
	OpenInput(format Handle) error
	FindStreamInfo(format Handle) error
	Describe(format Handle) (Info, error)
	// CloseInput releases a format context that OpenInput opened.
	CloseInput(format Handle)
	// FreeFormat releases a format context that was never opened.
	FreeFormat(format Handle)
	FreeIO(io Handle)
	FreeBuffer(buf Handle)
}

// NativeError is a failure reported by the native layer.
type NativeError struct {
	Op      string
	Code    int
	Message string
}

func (e *NativeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: native error %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}

// Info describes an opened container.
type Info struct {
	FormatName string        `json:"format_name"`
	Duration   time.Duration `json:"duration"`
	BitRate    int64         `json:"bit_rate,omitempty"`
	Streams    []Stream      `json:"streams"`
}

// Stream describes one elementary stream of a container.
type Stream struct {
	Index      int    `json:"index"`
	MediaType  string `json:"media_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// HasVideo reports whether the container carries at least one video stream.
func (i Info) HasVideo() bool {
	for _, s := range i.Streams {
		if s.MediaType == "video" {
			return true
		}
	}
	return false
}
