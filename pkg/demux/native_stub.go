//go:build !ffmpeg

package demux

// DefaultBackend returns nil when built without the ffmpeg tag, and Open
// reports KindNotSupported.
func DefaultBackend() Backend { return nil }

// Supported reports whether a native demuxer is linked in.
func Supported() bool { return false }
