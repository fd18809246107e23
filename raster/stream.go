package raster

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// RowSink consumes an image top to bottom, a whole number of rows per call.
type RowSink interface {
	WriteRows(rgb []byte) error
}

// RowSource serves arbitrary row ranges of an image.
type RowSource interface {
	Width() int
	Height() int
	// ReadRows copies rows [y0, y1) into dst, which must hold
	// (y1-y0)*Width()*3 bytes.
	ReadRows(y0, y1 int, dst []byte) error
}

type imageSource struct{ m *Image }

// SourceOf exposes an in-memory image as a RowSource.
func SourceOf(m *Image) RowSource { return imageSource{m} }

func (s imageSource) Width() int  { return s.m.Width }
func (s imageSource) Height() int { return s.m.Height }

func (s imageSource) ReadRows(y0, y1 int, dst []byte) error {
	if y0 < 0 || y1 > s.m.Height || y0 > y1 {
		return fmt.Errorf("raster: rows [%d,%d) out of range (height %d)", y0, y1, s.m.Height)
	}
	copy(dst, s.m.Rows(y0, y1))
	return nil
}

// RowReserver is a RowSink that lends its own storage for the next n rows,
// so a producer can render in place instead of writing a copy.
type RowReserver interface {
	RowSink
	ReserveRows(n int) ([]byte, error)
}

// Collector is a RowSink that assembles rows into an in-memory image.
type Collector struct {
	img *Image
	y   int
}

// NewCollector allocates the destination image up front.
func NewCollector(width, height int) *Collector {
	return &Collector{img: New(width, height)}
}

// WriteRows implements RowSink.
func (c *Collector) WriteRows(rgb []byte) error {
	stride := c.img.Stride()
	if stride == 0 || len(rgb)%stride != 0 {
		return fmt.Errorf("raster: collector: %d bytes is not a whole number of rows", len(rgb))
	}
	n := len(rgb) / stride
	if c.y+n > c.img.Height {
		return fmt.Errorf("raster: collector: %d rows overflow height %d", c.y+n, c.img.Height)
	}
	copy(c.img.Rows(c.y, c.y+n), rgb)
	c.y += n
	return nil
}

// ReserveRows implements RowReserver. The returned rows count as written.
func (c *Collector) ReserveRows(n int) ([]byte, error) {
	if n < 0 || c.y+n > c.img.Height {
		return nil, fmt.Errorf("raster: collector: %d rows overflow height %d", c.y+n, c.img.Height)
	}
	rows := c.img.Rows(c.y, c.y+n)
	c.y += n
	return rows, nil
}

// Image returns the assembled image.
func (c *Collector) Image() *Image { return c.img }

type multiSink []RowSink

func (ms multiSink) WriteRows(rgb []byte) error {
	for _, s := range ms {
		if err := s.WriteRows(rgb); err != nil {
			return err
		}
	}
	return nil
}

// MultiSink fans every band out to all sinks in order.
func MultiSink(sinks ...RowSink) RowSink { return multiSink(sinks) }

// PNGWriter encodes an RGB image row by row, so arbitrarily tall canvases can
// be written while only one band is resident. Rows use the Sub filter.
type PNGWriter struct {
	w      *bufio.Writer
	idat   *idatWriter
	zw     *zlib.Writer
	width  int
	height int
	rows   int
	line   []byte
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// NewPNGWriter writes the PNG signature and header for a width x height
// 8-bit RGB image.
func NewPNGWriter(w io.Writer, width, height int) (*PNGWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrEmptyImage
	}
	bw := bufio.NewWriterSize(w, 64<<10)
	if _, err := bw.Write(pngSignature); err != nil {
		return nil, err
	}
	var ihdr [13]byte
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(height))
	ihdr[8] = 8  // bit depth
	ihdr[9] = 2  // truecolor
	ihdr[10] = 0 // deflate
	ihdr[11] = 0 // adaptive filtering
	ihdr[12] = 0 // no interlace
	if err := writeChunk(bw, "IHDR", ihdr[:]); err != nil {
		return nil, err
	}
	idat := &idatWriter{w: bw}
	zw, err := zlib.NewWriterLevel(idat, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	return &PNGWriter{
		w:      bw,
		idat:   idat,
		zw:     zw,
		width:  width,
		height: height,
		line:   make([]byte, 1+width*BytesPerPixel),
	}, nil
}

// WriteRows implements RowSink.
func (p *PNGWriter) WriteRows(rgb []byte) error {
	stride := p.width * BytesPerPixel
	if len(rgb)%stride != 0 {
		return fmt.Errorf("raster: png: %d bytes is not a whole number of rows", len(rgb))
	}
	n := len(rgb) / stride
	if p.rows+n > p.height {
		return fmt.Errorf("raster: png: %d rows overflow height %d", p.rows+n, p.height)
	}
	for r := 0; r < n; r++ {
		row := rgb[r*stride : (r+1)*stride]
		p.line[0] = 1 // Sub
		copy(p.line[1:1+BytesPerPixel], row[:BytesPerPixel])
		for i := BytesPerPixel; i < stride; i++ {
			p.line[1+i] = row[i] - row[i-BytesPerPixel]
		}
		if _, err := p.zw.Write(p.line); err != nil {
			return fmt.Errorf("raster: png: deflate: %w", err)
		}
	}
	p.rows += n
	return nil
}

// Close finishes the stream. It fails if fewer rows than the declared height
// were written, leaving a truncated file the caller must discard.
func (p *PNGWriter) Close() error {
	if p.rows != p.height {
		return fmt.Errorf("raster: png: wrote %d of %d rows", p.rows, p.height)
	}
	if err := p.zw.Close(); err != nil {
		return err
	}
	if err := p.idat.flush(); err != nil {
		return err
	}
	if err := writeChunk(p.w, "IEND", nil); err != nil {
		return err
	}
	return p.w.Flush()
}

// idatWriter groups the deflate stream into IDAT chunks.
type idatWriter struct {
	w   io.Writer
	buf []byte
}

const idatChunkSize = 64 << 10

func (iw *idatWriter) Write(b []byte) (int, error) {
	n := len(b)
	for len(b) > 0 {
		room := idatChunkSize - len(iw.buf)
		take := min(room, len(b))
		iw.buf = append(iw.buf, b[:take]...)
		b = b[take:]
		if len(iw.buf) == idatChunkSize {
			if err := iw.flush(); err != nil {
				return 0, err
			}
		}
	}
	return n, nil
}

func (iw *idatWriter) flush() error {
	if len(iw.buf) == 0 {
		return nil
	}
	err := writeChunk(iw.w, "IDAT", iw.buf)
	iw.buf = iw.buf[:0]
	return err
}

func writeChunk(w io.Writer, kind string, data []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], kind)
	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(data)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], crc.Sum32())
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write(tail[:])
	return err
}
