// Package convert turns raw device frames into images.
package convert

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/e7canasta/camgrab"
)

// ToImage converts a frame into an image.Image without modifying it.
//
// BGR8 and RGB8 become *image.NRGBA, Mono8 *image.Gray, YUYV *image.YCbCr (4:2:2)
// and MJPEG whatever the JPEG decoder returns.
func ToImage(f *camgrab.Frame) (image.Image, error) {
	if f == nil {
		return nil, fmt.Errorf("convert: nil frame")
	}
	if f.PixelFormat == camgrab.PixelFormatMJPEG {
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("convert: decode MJPEG frame %d: %w", f.Seq, err)
		}
		return img, nil
	}

	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("convert: invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.PixelFormat.FrameSize(f.Width, f.Height); want == 0 || len(f.Data) != want {
		return nil, fmt.Errorf("convert: invalid %s data size: got %d, expected %d",
			f.PixelFormat, len(f.Data), want)
	}

	switch f.PixelFormat {
	case camgrab.PixelFormatBGR8:
		return packed3(f, 2, 1, 0), nil
	case camgrab.PixelFormatRGB8:
		return packed3(f, 0, 1, 2), nil
	case camgrab.PixelFormatMono8:
		img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(img.Pix, f.Data)
		return img, nil
	case camgrab.PixelFormatYUYV:
		return yuyv(f), nil
	default:
		return nil, fmt.Errorf("convert: unsupported pixel format %s", f.PixelFormat)
	}
}

// packed3 converts 3-byte pixels; r, g and b are the channel offsets inside a pixel.
func packed3(f *camgrab.Frame, r, g, b int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		src := f.Data[i*3 : i*3+3]
		dst := img.Pix[i*4 : i*4+4]
		dst[0] = src[r]
		dst[1] = src[g]
		dst[2] = src[b]
		dst[3] = 255
	}
	return img
}

// yuyv unpacks Y0 U Y1 V macropixels into planar 4:2:2.
func yuyv(f *camgrab.Frame) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio422)
	for y := 0; y < f.Height; y++ {
		row := f.Data[y*f.Width*2 : (y+1)*f.Width*2]
		for x := 0; x+1 < f.Width; x += 2 {
			m := row[x*2 : x*2+4]
			img.Y[y*img.YStride+x] = m[0]
			img.Y[y*img.YStride+x+1] = m[2]
			c := y*img.CStride + x/2
			img.Cb[c] = m[1]
			img.Cr[c] = m[3]
		}
	}
	return img
}

// ToBGR8 packs an image into a BGR8 frame buffer, the inverse of ToImage for BGR8.
func ToBGR8(img image.Image) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, byte(bl>>8), byte(g>>8), byte(r>>8))
		}
	}
	return out
}
