package sink

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"golang.org/x/image/bmp"
)

// Encoder writes an image in one file format.
type Encoder interface {
	// Ext is the file extension without dot.
	Ext() string
	Encode(w io.Writer, img image.Image) error
}

// JPEG encodes with the given quality (1-100, default 90).
type JPEG struct {
	Quality int
}

func (JPEG) Ext() string { return "jpg" }

func (e JPEG) Encode(w io.Writer, img image.Image) error {
	q := e.Quality
	if q <= 0 || q > 100 {
		q = 90
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: q})
}

// PNG encodes losslessly.
type PNG struct{}

func (PNG) Ext() string { return "png" }

func (PNG) Encode(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// BMP encodes uncompressed bitmaps.
type BMP struct{}

func (BMP) Ext() string { return "bmp" }

func (BMP) Encode(w io.Writer, img image.Image) error {
	return bmp.Encode(w, img)
}

// EncoderFor returns the encoder for a format name: jpeg (jpg), png or bmp.
func EncoderFor(format string, quality int) (Encoder, error) {
	switch strings.ToLower(format) {
	case "", "jpeg", "jpg":
		return JPEG{Quality: quality}, nil
	case "png":
		return PNG{}, nil
	case "bmp":
		return BMP{}, nil
	default:
		return nil, fmt.Errorf("sink: unsupported format %q (must be jpeg, png or bmp)", format)
	}
}
