package media

import (
	"bytes"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	xwebp "golang.org/x/image/webp"

	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// Quality is the fixed lossy WebP quality used for every normalized image.
const Quality = 80

// maxWebPDimension is the largest canvas side the WebP bitstream can encode.
const maxWebPDimension = 16383

// ToWebP decodes r as format f and writes it to w as lossy WebP. An animated
// GIF becomes an animated WebP. Only image formats are accepted.
func ToWebP(w io.Writer, r io.Reader, f Format) error {
	const op = "media.ToWebP"
	if !f.IsImage() {
		return xerrors.Wrap(xerrors.KindRejectedFormat, op, f.String(), &RejectedFormatError{Detected: f.MIME()})
	}
	r, err := checkHeader(r, f)
	if err != nil {
		return err
	}
	if f == GIF {
		g, err := gif.DecodeAll(r)
		if err != nil {
			return xerrors.Wrap(xerrors.KindDecode, op, f.String(), err)
		}
		if len(g.Image) > 1 {
			return encodeAnimation(w, g)
		}
		return encodeStill(w, g.Image[0])
	}
	img, err := decodeStill(r, f)
	if err != nil {
		return xerrors.Wrap(xerrors.KindDecode, op, f.String(), err)
	}
	return encodeStill(w, img)
}

// checkHeader reads only the image header and refuses oversized canvases
// before any pixel buffer is allocated. The returned reader replays the
// consumed header followed by the rest of r.
func checkHeader(r io.Reader, f Format) (io.Reader, error) {
	var head bytes.Buffer
	cfg, err := decodeConfig(io.TeeReader(r, &head), f)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecode, "media.ToWebP", f.String(), err)
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	return io.MultiReader(&head, r), nil
}

func decodeConfig(r io.Reader, f Format) (image.Config, error) {
	switch f {
	case JPEG:
		return jpeg.DecodeConfig(r)
	case PNG:
		return png.DecodeConfig(r)
	case GIF:
		// Frames must fit the logical screen, so it bounds every frame.
		return gif.DecodeConfig(r)
	default:
		return xwebp.DecodeConfig(r)
	}
}

func decodeStill(r io.Reader, f Format) (image.Image, error) {
	switch f {
	case JPEG:
		// Camera JPEGs carry their rotation in EXIF; bake it into the pixels.
		return imaging.Decode(r, imaging.AutoOrientation(true))
	case PNG:
		return png.Decode(r)
	case WEBP:
		return xwebp.Decode(r)
	default:
		return imaging.Decode(r)
	}
}

func encodeStill(w io.Writer, img image.Image) error {
	b := img.Bounds()
	if err := checkDimensions(b.Dx(), b.Dy()); err != nil {
		return err
	}
	if err := webp.Encode(w, imaging.Clone(img), &webp.Options{Quality: Quality}); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "media.ToWebP", "encode", err)
	}
	return nil
}

func checkDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return xerrors.E(xerrors.KindDecode, "media.ToWebP", "empty image")
	}
	if width > maxWebPDimension || height > maxWebPDimension {
		return xerrors.E(xerrors.KindTooLarge, "media.ToWebP", "dimensions")
	}
	return nil
}

// encodeAnimation composites every GIF frame onto the full canvas, encodes
// each composite as a still and muxes the bitstreams into one animation.
func encodeAnimation(w io.Writer, g *gif.GIF) error {
	canvasRect := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if err := checkDimensions(canvasRect.Dx(), canvasRect.Dy()); err != nil {
		return err
	}

	anim := animation{
		width:  canvasRect.Dx(),
		height: canvasRect.Dy(),
		loops:  webpLoopCount(g.LoopCount),
	}
	canvas := image.NewNRGBA(canvasRect)
	for i, frame := range g.Image {
		var previous *image.NRGBA
		disposal := byte(0)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			previous = imaging.Clone(canvas)
		}
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		var buf bytes.Buffer
		if err := webp.Encode(&buf, canvas, &webp.Options{Quality: Quality}); err != nil {
			return xerrors.Wrap(xerrors.KindInternal, "media.ToWebP", "encode frame", err)
		}
		payload, err := frameChunks(buf.Bytes())
		if err != nil {
			return xerrors.Wrap(xerrors.KindInternal, "media.ToWebP", "encode frame", err)
		}
		delay := 0
		if i < len(g.Delay) {
			delay = g.Delay[i]
		}
		anim.frames = append(anim.frames, animFrame{
			duration: frameDuration(delay),
			chunks:   payload,
		})

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = previous
		}
	}
	if _, err := anim.WriteTo(w); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "media.ToWebP", "write", err)
	}
	return nil
}

// frameDuration converts a GIF delay in hundredths of a second to
// milliseconds. Zero delays play at 100ms, as browsers do.
func frameDuration(delay int) int {
	if delay <= 0 {
		return 100
	}
	return delay * 10
}

// webpLoopCount translates GIF loop semantics (0 forever, -1 once, n means
// n+1 plays) to WebP (0 forever, n plays).
func webpLoopCount(gifLoops int) int {
	switch {
	case gifLoops == 0:
		return 0
	case gifLoops < 0:
		return 1
	case gifLoops >= 0xFFFF:
		return 0xFFFF
	default:
		return gifLoops + 1
	}
}
