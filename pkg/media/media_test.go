package media

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebp "golang.org/x/image/webp"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(32, 24)))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(32, 24), nil))
	return buf.Bytes()
}

func webpBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, webp.Encode(&buf, testImage(32, 24), &webp.Options{Quality: 90}))
	return buf.Bytes()
}

func palettedFrame(w, h int, fill color.Color) *image.Paletted {
	frame := image.NewPaletted(image.Rect(0, 0, w, h), palette.Plan9)
	idx := uint8(frame.Palette.Index(fill))
	for i := range frame.Pix {
		frame.Pix[i] = idx
	}
	return frame
}

func gifBytes(t *testing.T, frames int, loops int) []byte {
	t.Helper()
	g := &gif.GIF{LoopCount: loops}
	fills := []color.Color{color.White, color.Black, color.RGBA{R: 255, A: 255}}
	for i := 0; i < frames; i++ {
		g.Image = append(g.Image, palettedFrame(16, 12, fills[i%len(fills)]))
		g.Delay = append(g.Delay, i*5)
		g.Disposal = append(g.Disposal, gif.DisposalNone)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

// ebml builds a minimal EBML header declaring docType.
func ebml(docType string) []byte {
	body := append([]byte{0x42, 0x86, 0x81, 0x01, 0x42, 0x82, byte(0x80 | len(docType))}, docType...)
	out := []byte{0x1A, 0x45, 0xDF, 0xA3, byte(0x80 | len(body))}
	out = append(out, body...)
	return append(out, make([]byte, 64)...)
}

func ftyp(brand string) []byte {
	box := make([]byte, 8)
	binary.BigEndian.PutUint32(box, 20)
	copy(box[4:], "ftyp")
	box = append(box, brand...)
	box = append(box, 0, 0, 0, 0)
	box = append(box, brand...)
	return append(box, make([]byte, 64)...)
}

func TestClassifyAccepted(t *testing.T) {
	testcases := []struct {
		name string
		data []byte
		want Format
	}{
		{name: "jpeg", data: jpegBytes(t), want: JPEG},
		{name: "png", data: pngBytes(t), want: PNG},
		{name: "gif", data: gifBytes(t, 1, 0), want: GIF},
		{name: "webp", data: webpBytes(t), want: WEBP},
		{name: "webm", data: ebml("webm"), want: WEBM},
		{name: "mkv", data: ebml("matroska"), want: MKV},
		{name: "mp4", data: ftyp("isom"), want: MP4},
		{name: "mov", data: ftyp("qt  "), want: MOV},
		{name: "m4v", data: ftyp("M4V "), want: MP4},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			rs := bytes.NewReader(tc.data)
			got, err := Classify(rs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)

			rest, err := io.ReadAll(rs)
			require.NoError(t, err)
			assert.Equal(t, tc.data, rest, "stream must be rewound")
		})
	}
}

func TestClassifyRejected(t *testing.T) {
	testcases := []struct {
		name     string
		data     []byte
		detected string
	}{
		{name: "empty", data: nil, detected: ""},
		{name: "text", data: []byte("just some words, not media"), detected: "text/plain"},
		{name: "pdf", data: []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n"), detected: "application/pdf"},
		{name: "heic", data: ftyp("heic"), detected: "image/heic"},
		{name: "heif", data: ftyp("mif1"), detected: "image/heif"},
		{name: "avif", data: ftyp("avif"), detected: "image/avif"},
		{name: "m4a", data: ftyp("M4A "), detected: "audio/x-m4a"},
		{name: "3gp", data: ftyp("3gp4"), detected: "video/3gpp"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Classify(bytes.NewReader(tc.data))
			require.Error(t, err)
			assert.Equal(t, Unknown, f)
			assert.Equal(t, xerrors.KindRejectedFormat, xerrors.KindOf(err))
			rej, ok := AsRejected(err)
			require.True(t, ok)
			if tc.detected == "" {
				assert.Empty(t, rej.Detected)
				return
			}
			assert.Contains(t, rej.Detected, tc.detected)
		})
	}
}

func TestSniffReplaysHeader(t *testing.T) {
	data := append(pngBytes(t), bytes.Repeat([]byte{7}, 10_000)...)
	f, r, err := Sniff(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, PNG, f)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFormatMethods(t *testing.T) {
	assert.True(t, GIF.IsImage())
	assert.False(t, GIF.IsVideo())
	assert.True(t, MOV.IsVideo())
	assert.Equal(t, "video/x-matroska", MKV.MIME())
	assert.Equal(t, "application/octet-stream", Unknown.MIME())
	for _, f := range []Format{JPEG, PNG, GIF, WEBP, WEBM, MKV, MP4, MOV} {
		parsed, err := ParseFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := ParseFormat("svg")
	assert.Error(t, err)
}

func TestToWebPStill(t *testing.T) {
	testcases := []struct {
		name string
		data []byte
		f    Format
		w, h int
	}{
		{name: "jpeg", data: jpegBytes(t), f: JPEG, w: 32, h: 24},
		{name: "png", data: pngBytes(t), f: PNG, w: 32, h: 24},
		{name: "webp", data: webpBytes(t), f: WEBP, w: 32, h: 24},
		{name: "single frame gif", data: gifBytes(t, 1, 0), f: GIF, w: 16, h: 12},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, ToWebP(&out, bytes.NewReader(tc.data), tc.f))

			got, err := Classify(bytes.NewReader(out.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, WEBP, got)

			img, err := xwebp.Decode(bytes.NewReader(out.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, tc.w, img.Bounds().Dx())
			assert.Equal(t, tc.h, img.Bounds().Dy())
		})
	}
}

func TestToWebPAnimatedGIF(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, ToWebP(&out, bytes.NewReader(gifBytes(t, 3, 2)), GIF))

	f, err := Classify(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, WEBP, f)

	chunks, err := parseChunks(out.Bytes())
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	assert.Equal(t, "VP8X", chunks[0].fourCC)
	assert.NotZero(t, chunks[0].payload[0]&vp8xFlagAnimation)
	width := int(chunks[0].payload[4]) | int(chunks[0].payload[5])<<8 | int(chunks[0].payload[6])<<16
	assert.Equal(t, 15, width)

	assert.Equal(t, "ANIM", chunks[1].fourCC)
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(chunks[1].payload[4:6]))

	wantDurations := []int{100, 50, 100}
	for i, c := range chunks[2:] {
		require.Equal(t, "ANMF", c.fourCC)
		duration := int(c.payload[12]) | int(c.payload[13])<<8 | int(c.payload[14])<<16
		assert.Equal(t, wantDurations[i], duration, "frame %d", i)
		assert.Contains(t, []string{"VP8 ", "VP8L", "ALPH"}, string(c.payload[16:20]))
	}
}

func TestToWebPDecodeFailure(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
		f    Format
	}{
		{name: "truncated png", data: pngBytes(t)[:60], f: PNG},
		{name: "truncated jpeg", data: jpegBytes(t)[:40], f: JPEG},
		{name: "truncated gif", data: gifBytes(t, 2, 0)[:30], f: GIF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ToWebP(io.Discard, bytes.NewReader(tc.data), tc.f)
			require.Error(t, err)
			assert.Equal(t, xerrors.KindDecode, xerrors.KindOf(err))
		})
	}
}

// withPNGSize rewrites the IHDR dimensions of a PNG, leaving the pixel data
// sized for the original image.
func withPNGSize(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestToWebPRejectsOversizeBeforeDecode(t *testing.T) {
	// The pixel data only covers 32x24, so a full decode would fail with
	// KindDecode; KindTooLarge shows the header was checked first.
	oversizeGIF := gifBytes(t, 2, 0)
	binary.LittleEndian.PutUint16(oversizeGIF[6:8], 20000)
	binary.LittleEndian.PutUint16(oversizeGIF[8:10], 20000)

	for _, tc := range []struct {
		name string
		data []byte
		f    Format
	}{
		{name: "png", data: withPNGSize(t, pngBytes(t), 20000, 20000), f: PNG},
		{name: "png wide", data: withPNGSize(t, pngBytes(t), maxWebPDimension+1, 1), f: PNG},
		{name: "gif", data: oversizeGIF, f: GIF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ToWebP(io.Discard, bytes.NewReader(tc.data), tc.f)
			require.Error(t, err)
			assert.Equal(t, xerrors.KindTooLarge, xerrors.KindOf(err))
		})
	}
}

func TestToWebPRejectsVideo(t *testing.T) {
	err := ToWebP(io.Discard, bytes.NewReader(ebml("webm")), WEBM)
	require.Error(t, err)
	assert.Equal(t, xerrors.KindRejectedFormat, xerrors.KindOf(err))
}

func TestFrameTiming(t *testing.T) {
	assert.Equal(t, 100, frameDuration(0))
	assert.Equal(t, 70, frameDuration(7))
	assert.Equal(t, 0, webpLoopCount(0))
	assert.Equal(t, 1, webpLoopCount(-1))
	assert.Equal(t, 4, webpLoopCount(3))
	assert.Equal(t, 0xFFFF, webpLoopCount(1<<20))
}

func TestParseChunksRejectsGarbage(t *testing.T) {
	_, err := parseChunks([]byte("RIFF\xff\xff\xff\x7fWEBP"))
	assert.Error(t, err)
	_, err = parseChunks([]byte("not riff at all"))
	assert.Error(t, err)
}
