// Package media classifies uploaded payloads by content and normalizes
// accepted images to WebP.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// Format is the closed set of accepted media formats.
type Format int

const (
	Unknown Format = iota
	JPEG
	PNG
	GIF
	WEBP
	WEBM
	MKV
	MP4
	MOV
)

var formatInfo = map[Format]struct {
	name string
	mime string
}{
	JPEG: {"jpeg", "image/jpeg"},
	PNG:  {"png", "image/png"},
	GIF:  {"gif", "image/gif"},
	WEBP: {"webp", "image/webp"},
	WEBM: {"webm", "video/webm"},
	MKV:  {"mkv", "video/x-matroska"},
	MP4:  {"mp4", "video/mp4"},
	MOV:  {"mov", "video/quicktime"},
}

// byMIME is keyed by the canonical MIME strings mimetype reports. Only
// subtypes that are the same container under another name are aliased; other
// ftyp brands (avif, heic, m4a, 3gp) stay outside the accepted set.
var byMIME = func() map[string]Format {
	m := make(map[string]Format, len(formatInfo)+2)
	for f, info := range formatInfo {
		m[info.mime] = f
	}
	m["video/x-m4v"] = MP4
	m["image/vnd.mozilla.apng"] = PNG
	return m
}()

func (f Format) String() string {
	if info, ok := formatInfo[f]; ok {
		return info.name
	}
	return "unknown"
}

// MIME returns the content type served for f.
func (f Format) MIME() string {
	if info, ok := formatInfo[f]; ok {
		return info.mime
	}
	return "application/octet-stream"
}

// IsImage reports whether f is handled by the image re-encoder.
func (f Format) IsImage() bool {
	switch f {
	case JPEG, PNG, GIF, WEBP:
		return true
	}
	return false
}

// IsVideo reports whether f is a video container.
func (f Format) IsVideo() bool {
	switch f {
	case WEBM, MKV, MP4, MOV:
		return true
	}
	return false
}

// ParseFormat maps a format name as produced by String back to a Format.
func ParseFormat(name string) (Format, error) {
	for f, info := range formatInfo {
		if info.name == name {
			return f, nil
		}
	}
	return Unknown, fmt.Errorf("unknown format %q", name)
}

// RejectedFormatError reports a payload whose detected type is outside the
// accepted set. Detected is empty when no type could be determined.
type RejectedFormatError struct {
	Detected string
}

func (e *RejectedFormatError) Error() string {
	if e.Detected == "" {
		return "unrecognized format"
	}
	return "rejected format " + e.Detected
}

// sniffLen matches the read limit mimetype applies by default.
const sniffLen = 3072

// Detect classifies a header. It is the pure core of Classify and Sniff.
func Detect(header []byte) (Format, error) {
	const op = "media.Classify"
	if len(header) == 0 {
		return Unknown, xerrors.Wrap(xerrors.KindRejectedFormat, op, "", &RejectedFormatError{})
	}
	detected := mimetype.Detect(header)
	if f, ok := byMIME[detected.String()]; ok {
		return f, nil
	}
	name := detected.String()
	if detected.Is("application/octet-stream") {
		name = ""
	}
	return Unknown, xerrors.Wrap(xerrors.KindRejectedFormat, op, "", &RejectedFormatError{Detected: name})
}

// Classify determines the format of rs by content and rewinds it to the
// start so later stages read the whole payload.
func Classify(rs io.ReadSeeker) (Format, error) {
	header, err := readHeader(rs)
	if err != nil {
		return Unknown, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return Unknown, xerrors.Wrap(xerrors.KindInternal, "media.Classify", "", err)
	}
	return Detect(header)
}

// Sniff classifies a non-seekable stream. The returned reader replays the
// consumed header followed by the rest of r.
func Sniff(r io.Reader) (Format, io.Reader, error) {
	header, err := readHeader(r)
	if err != nil {
		return Unknown, nil, err
	}
	f, err := Detect(header)
	return f, io.MultiReader(bytes.NewReader(header), r), err
}

func readHeader(r io.Reader) ([]byte, error) {
	header := make([]byte, sniffLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, xerrors.Wrap(xerrors.KindInternal, "media.Classify", "", err)
	}
	return header[:n], nil
}

// AsRejected extracts the rejection detail from err.
func AsRejected(err error) (*RejectedFormatError, bool) {
	var rej *RejectedFormatError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
