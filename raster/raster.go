// Package raster holds the RGB pixel buffers passed between the stitching and
// tiling stages, plus the codecs and row streams they are read from and
// written to.
//
// An Image is a packed, row-major RGB grid (3 bytes per pixel, no padding).
// It implements image.Image so it can be handed to the standard encoders, but
// the hot paths (blending, slicing, downsampling) work on whole rows of Pix.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// BytesPerPixel is the packed RGB pixel size.
const BytesPerPixel = 3

// Image is a packed RGB pixel buffer.
type Image struct {
	Width  int
	Height int
	Pix    []byte
}

// New allocates a zeroed (black) image.
func New(width, height int) *Image {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("raster: negative dimensions %dx%d", width, height))
	}
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Stride returns the number of bytes in one row.
func (m *Image) Stride() int { return m.Width * BytesPerPixel }

// SizeBytes returns the size of the pixel buffer.
func (m *Image) SizeBytes() int { return len(m.Pix) }

// Row returns row y, sharing the underlying buffer.
func (m *Image) Row(y int) []byte {
	s := m.Stride()
	return m.Pix[y*s : (y+1)*s]
}

// Rows returns rows [y0, y1), sharing the underlying buffer.
func (m *Image) Rows(y0, y1 int) []byte {
	s := m.Stride()
	return m.Pix[y0*s : y1*s]
}

// SubRows returns a view of rows [y0, y1). Writes through the view are
// visible in m.
func (m *Image) SubRows(y0, y1 int) *Image {
	return &Image{Width: m.Width, Height: y1 - y0, Pix: m.Rows(y0, y1)}
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	pix := make([]byte, len(m.Pix))
	copy(pix, m.Pix)
	return &Image{Width: m.Width, Height: m.Height, Pix: pix}
}

// Crop copies the rectangle r out of m. r must lie within m.
func (m *Image) Crop(r image.Rectangle) *Image {
	out := New(r.Dx(), r.Dy())
	rowBytes := r.Dx() * BytesPerPixel
	for y := 0; y < out.Height; y++ {
		src := m.Row(r.Min.Y + y)[r.Min.X*BytesPerPixel:]
		copy(out.Row(y), src[:rowBytes])
	}
	return out
}

// Equal reports whether both images have the same dimensions and pixels.
func (m *Image) Equal(o *Image) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Width == o.Width && m.Height == o.Height && bytes.Equal(m.Pix, o.Pix)
}

// ColorModel implements image.Image.
func (m *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (m *Image) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

// At implements image.Image.
func (m *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return color.RGBA{}
	}
	i := y*m.Stride() + x*BytesPerPixel
	return color.RGBA{R: m.Pix[i], G: m.Pix[i+1], B: m.Pix[i+2], A: 0xff}
}

// Set writes one pixel. Used by tests and synthetic generators only.
func (m *Image) Set(x, y int, c color.RGBA) {
	i := y*m.Stride() + x*BytesPerPixel
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = c.R, c.G, c.B
}

// ToRGBA converts m to an opaque *image.RGBA, which the png and jpeg
// encoders handle on their fast paths.
func (m *Image) ToRGBA() *image.RGBA {
	out := image.NewRGBA(m.Bounds())
	for y := 0; y < m.Height; y++ {
		src := m.Row(y)
		dst := out.Pix[y*out.Stride : y*out.Stride+m.Width*4]
		for x, j := 0, 0; x < len(src); x, j = x+3, j+4 {
			dst[j], dst[j+1], dst[j+2], dst[j+3] = src[x], src[x+1], src[x+2], 0xff
		}
	}
	return out
}

// FromImage converts any decoded image to a packed RGB buffer. Alpha is
// composited over black.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		xdraw.Draw(rgba, rgba.Bounds(), src, b.Min, xdraw.Src)
	}
	out := New(b.Dx(), b.Dy())
	for y := 0; y < out.Height; y++ {
		s := rgba.Pix[y*rgba.Stride : y*rgba.Stride+out.Width*4]
		d := out.Row(y)
		for x, j := 0, 0; j < len(s); x, j = x+3, j+4 {
			d[x], d[x+1], d[x+2] = s[j], s[j+1], s[j+2]
		}
	}
	return out
}

// Gray is an 8-bit luminance plane.
type Gray struct {
	Width  int
	Height int
	Pix    []byte
}

// At returns the luminance at (x, y) without bounds checks.
func (g *Gray) At(x, y int) byte { return g.Pix[y*g.Width+x] }

// Gray converts rows [y0, y1) of m to luminance with BT.601 weights.
func (m *Image) Gray(y0, y1 int) *Gray {
	g := &Gray{Width: m.Width, Height: y1 - y0, Pix: make([]byte, m.Width*(y1-y0))}
	for y := y0; y < y1; y++ {
		row := m.Row(y)
		dst := g.Pix[(y-y0)*m.Width : (y-y0+1)*m.Width]
		for x := range dst {
			r, gg, b := uint32(row[3*x]), uint32(row[3*x+1]), uint32(row[3*x+2])
			dst[x] = byte((19595*r + 38470*gg + 7471*b + 1<<15) >> 16)
		}
	}
	return g
}
