package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/webp" // registers the webp decoder for browser captures
)

// Supported output formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// ErrEmptyImage is returned when a decoded image has no pixels.
var ErrEmptyImage = errors.New("raster: image has zero width or height")

// ErrDimensions is returned when an image header declares dimensions beyond
// the decode limits.
var ErrDimensions = errors.New("raster: image dimensions over limit")

// Limits bounds what DecodeLimited accepts. Zero fields are unchecked.
type Limits struct {
	MaxSide   int   // width and height
	MaxPixels int64 // width * height
}

// DecodeLimited checks the dimensions declared in the image header against
// lim before decoding, so a tiny file claiming a huge canvas is refused
// without allocating it.
func DecodeLimited(data []byte, lim Limits) (*Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("raster: decode header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, format, ErrEmptyImage
	}
	if lim.MaxSide > 0 && (cfg.Width > lim.MaxSide || cfg.Height > lim.MaxSide) {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d px per side", ErrDimensions, cfg.Width, cfg.Height, lim.MaxSide)
	}
	if px := int64(cfg.Width) * int64(cfg.Height); lim.MaxPixels > 0 && px > lim.MaxPixels {
		return nil, format, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDimensions, cfg.Width, cfg.Height, lim.MaxPixels)
	}
	return Decode(data)
}

// Decode decodes an encoded frame (png, jpeg or webp) and returns its pixels
// together with the detected format name.
func Decode(data []byte) (*Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("raster: decode: %w", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, format, ErrEmptyImage
	}
	return FromImage(img), format, nil
}

// Extension maps a decoder format name to a file extension.
func Extension(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "bin"
	default:
		return format
	}
}

// NormalizeFormat accepts the common spellings of the output formats.
func NormalizeFormat(format string) (string, error) {
	switch format {
	case "", "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("raster: unsupported output format %q (use png or jpeg)", format)
	}
}

// Encode writes m in the given format. quality applies to jpeg only.
func Encode(w io.Writer, m *Image, format string, quality int) error {
	switch format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		return enc.Encode(w, m.ToRGBA())
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, m.ToRGBA(), &jpeg.Options{Quality: quality})
	default:
		return fmt.Errorf("raster: unsupported output format %q", format)
	}
}

// LoadFile reads and decodes an image file.
func LoadFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("raster: read %s: %w", path, err)
	}
	m, _, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// SaveFile encodes m to path. The file appears under its final name only
// once it has been fully written.
func SaveFile(path string, m *Image, format string, quality int) error {
	return WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, m, format, quality)
	})
}

// WriteAtomic runs fill against a temporary file next to path and renames it
// into place on success. On failure the temporary file is removed.
func WriteAtomic(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("raster: mkdir: %w", err)
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("raster: create %s: %w", tmp, err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("raster: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("raster: rename %s: %w", path, err)
	}
	return nil
}
