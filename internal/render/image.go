package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// ImageRenderer treats a raster input as a single page. PNG and JPEG within
// MaxDimension pass through untouched; everything else is decoded, downscaled
// if needed and re-encoded as PNG.
type ImageRenderer struct {
	MaxDimension int // longest edge in pixels; 0 disables scaling
}

func (r ImageRenderer) Render(ctx context.Context, doc []byte, _ int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := r.Normalize(doc)
	if err != nil {
		return nil, err
	}
	return [][]byte{page}, nil
}

// Normalize returns an encoded page image suitable for vision providers.
func (r ImageRenderer) Normalize(raw []byte) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}
	fits := r.MaxDimension <= 0 || (cfg.Width <= r.MaxDimension && cfg.Height <= r.MaxDimension)
	if fits && (format == "png" || format == "jpeg") {
		return raw, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s image: %w", format, err)
	}
	if !fits {
		img = scale(img, r.MaxDimension)
	}

	var buf bytes.Buffer
	if format == "jpeg" {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode page image: %w", err)
	}
	return buf.Bytes(), nil
}

// scale shrinks img so its longest edge equals max, keeping the aspect ratio.
func scale(img image.Image, max int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = h * max / w
		w = max
	} else {
		w = w * max / h
		h = max
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
