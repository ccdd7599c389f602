// Package video captures still frames from a visual source and prepares
// them for transport: frames are sampled at a fixed low rate, downscaled,
// and JPEG-compressed so the bandwidth cost stays small next to the audio
// stream.
package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// MIMEType is the transport MIME type of encoded frames.
const MIMEType = "image/jpeg"

const (
	// scaleFactor halves each dimension before encoding.
	scaleFactor = 2
	jpegQuality = 60
)

// Source produces frames of the shared visual context. Grab may block while
// the underlying device or surface renders; it must honor ctx cancellation.
type Source interface {
	// Grab returns the current frame. The returned image must not be
	// mutated by the source after Grab returns.
	Grab(ctx context.Context) (image.Image, error)

	// Close releases the source. Idempotent.
	Close() error
}

// Encode downscales img by half in each dimension and compresses it to
// JPEG for transport.
func Encode(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx()/scaleFactor, b.Dy()/scaleFactor
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, xdraw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("video: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
