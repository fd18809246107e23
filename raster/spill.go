package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
)

// Spill is a disk-backed RowSource for canvases too tall to keep in memory.
// Bands are appended as LZ4 blocks; reads decompress one band at a time and
// keep the most recent one cached, so sequential strip reads stay cheap.
//
// File layout: a sequence of records
//
//	u32 rows | u32 rawLen | u32 storedLen | u8 compressed | payload
type Spill struct {
	path   string
	f      *os.File
	width  int
	height int
	bands  []spillBand

	cacheIdx int
	cache    []byte
}

type spillBand struct {
	y0        int
	rows      int
	offset    int64
	storedLen int
	rawLen    int
	lz4       bool
}

const spillHeaderLen = 13

// SpillWriter appends bands to a spill file. It implements RowSink.
type SpillWriter struct {
	s      *Spill
	off    int64
	closed bool
}

// CreateSpill creates (truncating) a spill file for an image of the given width.
func CreateSpill(path string, width int) (*SpillWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raster: spill create: %w", err)
	}
	return &SpillWriter{s: &Spill{path: path, f: f, width: width, cacheIdx: -1}}, nil
}

// WriteRows implements RowSink. Each call becomes one band.
func (sw *SpillWriter) WriteRows(rgb []byte) error {
	if sw.closed {
		return fmt.Errorf("raster: spill: write after finish")
	}
	stride := sw.s.width * BytesPerPixel
	if stride == 0 || len(rgb)%stride != 0 {
		return fmt.Errorf("raster: spill: %d bytes is not a whole number of rows", len(rgb))
	}
	rows := len(rgb) / stride
	if rows == 0 {
		return nil
	}

	payload := make([]byte, lz4.CompressBlockBound(len(rgb)))
	n, err := lz4.CompressBlock(rgb, payload, nil)
	compressed := err == nil && n > 0 && n < len(rgb)
	if compressed {
		payload = payload[:n]
	} else {
		payload = rgb
	}

	var hdr [spillHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(rows))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(rgb)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if compressed {
		hdr[12] = 1
	}
	if _, err := sw.s.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("raster: spill write: %w", err)
	}
	if _, err := sw.s.f.Write(payload); err != nil {
		return fmt.Errorf("raster: spill write: %w", err)
	}

	sw.s.bands = append(sw.s.bands, spillBand{
		y0:        sw.s.height,
		rows:      rows,
		offset:    sw.off + spillHeaderLen,
		storedLen: len(payload),
		rawLen:    len(rgb),
		lz4:       compressed,
	})
	sw.off += spillHeaderLen + int64(len(payload))
	sw.s.height += rows
	return nil
}

// Finish ends writing and returns the spill as a RowSource.
func (sw *SpillWriter) Finish() (*Spill, error) {
	sw.closed = true
	if err := sw.s.f.Sync(); err != nil {
		return nil, fmt.Errorf("raster: spill sync: %w", err)
	}
	return sw.s, nil
}

// Abort closes and deletes the spill file.
func (sw *SpillWriter) Abort() {
	sw.closed = true
	sw.s.Remove()
}

// Width implements RowSource.
func (s *Spill) Width() int { return s.width }

// Height implements RowSource.
func (s *Spill) Height() int { return s.height }

// Path returns the spill file location.
func (s *Spill) Path() string { return s.path }

// ReadRows implements RowSource.
func (s *Spill) ReadRows(y0, y1 int, dst []byte) error {
	if y0 < 0 || y1 > s.height || y0 > y1 {
		return fmt.Errorf("raster: spill: rows [%d,%d) out of range (height %d)", y0, y1, s.height)
	}
	stride := s.width * BytesPerPixel
	if len(dst) < (y1-y0)*stride {
		return fmt.Errorf("raster: spill: destination too small")
	}
	for y := y0; y < y1; {
		idx := s.bandFor(y)
		band, err := s.load(idx)
		if err != nil {
			return err
		}
		b := s.bands[idx]
		end := min(y1, b.y0+b.rows)
		copy(dst[(y-y0)*stride:(end-y0)*stride], band[(y-b.y0)*stride:(end-b.y0)*stride])
		y = end
	}
	return nil
}

func (s *Spill) bandFor(y int) int {
	lo, hi := 0, len(s.bands)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.bands[mid].y0 <= y {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func (s *Spill) load(idx int) ([]byte, error) {
	if idx == s.cacheIdx {
		return s.cache, nil
	}
	b := s.bands[idx]
	stored := make([]byte, b.storedLen)
	if _, err := s.f.ReadAt(stored, b.offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("raster: spill read band %d: %w", idx, err)
	}
	raw := stored
	if b.lz4 {
		if cap(s.cache) >= b.rawLen {
			raw = s.cache[:b.rawLen]
		} else {
			raw = make([]byte, b.rawLen)
		}
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, fmt.Errorf("raster: spill decompress band %d: %w", idx, err)
		}
		if n != b.rawLen {
			return nil, fmt.Errorf("raster: spill band %d: got %d bytes, want %d", idx, n, b.rawLen)
		}
	}
	s.cache, s.cacheIdx = raw, idx
	return raw, nil
}

// Close releases the file handle and keeps the file.
func (s *Spill) Close() error { return s.f.Close() }

// Remove closes and deletes the spill file.
func (s *Spill) Remove() error {
	s.f.Close()
	return os.Remove(s.path)
}
