package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// RIFF container layout for animated WebP: a VP8X header, one ANIM chunk
// and one ANMF chunk per frame carrying that frame's ALPH and VP8/VP8L
// chunks.

const (
	vp8xFlagAnimation = 0x02
	vp8xFlagAlpha     = 0x10
	anmfNoBlend       = 0x02
)

type animFrame struct {
	duration int
	// chunks holds the frame's ALPH and VP8/VP8L chunks, headers included.
	chunks []byte
}

type animation struct {
	width, height int
	loops         int
	frames        []animFrame
}

type chunk struct {
	fourCC  string
	payload []byte
}

// parseChunks splits a WebP file into its top-level chunks.
func parseChunks(data []byte) ([]chunk, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, errors.New("not a RIFF WEBP stream")
	}
	size := int(binary.LittleEndian.Uint32(data[4:8]))
	if size+8 > len(data) || size < 4 {
		return nil, errors.New("truncated RIFF stream")
	}
	data = data[12 : size+8]
	var chunks []chunk
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, errors.New("truncated chunk header")
		}
		n := int(binary.LittleEndian.Uint32(data[4:8]))
		if n > len(data)-8 {
			return nil, errors.New("truncated chunk")
		}
		chunks = append(chunks, chunk{fourCC: string(data[:4]), payload: data[8 : 8+n]})
		data = data[8+n:]
		if n%2 == 1 && len(data) > 0 {
			data = data[1:]
		}
	}
	return chunks, nil
}

// frameChunks extracts the image bitstream chunks of a still WebP so they
// can be embedded in an ANMF frame.
func frameChunks(still []byte) ([]byte, error) {
	chunks, err := parseChunks(still)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	found := false
	for _, c := range chunks {
		switch c.fourCC {
		case "ALPH":
			writeChunk(&buf, c.fourCC, c.payload)
		case "VP8 ", "VP8L":
			writeChunk(&buf, c.fourCC, c.payload)
			found = true
		}
	}
	if !found {
		return nil, errors.New("no image bitstream in encoded frame")
	}
	return buf.Bytes(), nil
}

func writeChunk(buf *bytes.Buffer, fourCC string, payload []byte) {
	buf.WriteString(fourCC)
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	buf.Write(size[:])
	buf.Write(payload)
	if len(payload)%2 == 1 {
		buf.WriteByte(0)
	}
}

func put24(b []byte, v int) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// WriteTo writes the animation as a complete RIFF WEBP file.
func (a *animation) WriteTo(w io.Writer) (int64, error) {
	var body bytes.Buffer
	body.WriteString("WEBP")

	vp8x := make([]byte, 10)
	vp8x[0] = vp8xFlagAnimation | vp8xFlagAlpha
	put24(vp8x[4:7], a.width-1)
	put24(vp8x[7:10], a.height-1)
	writeChunk(&body, "VP8X", vp8x)

	anim := make([]byte, 6)
	binary.LittleEndian.PutUint16(anim[4:6], uint16(a.loops))
	writeChunk(&body, "ANIM", anim)

	for _, f := range a.frames {
		anmf := make([]byte, 16, 16+len(f.chunks))
		// Full-canvas frames sit at the origin, so the X/2 and Y/2 offsets stay zero.
		put24(anmf[6:9], a.width-1)
		put24(anmf[9:12], a.height-1)
		put24(anmf[12:15], min(f.duration, 0xFFFFFF))
		anmf[15] = anmfNoBlend
		anmf = append(anmf, f.chunks...)
		writeChunk(&body, "ANMF", anmf)
	}

	var header [8]byte
	copy(header[:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], uint32(body.Len()))
	n, err := w.Write(header[:])
	if err != nil {
		return int64(n), err
	}
	m, err := body.WriteTo(w)
	return int64(n) + m, err
}
