package raster

import "fmt"

// HalfDims returns the dimensions of the next coarser pyramid level.
func HalfDims(width, height int) (int, int) {
	return max(1, width/2), max(1, height/2)
}

// Halver downsamples a streamed image by two in both directions with a 2x2
// area average. Output row r averages source rows 2r and 2r+1 (the last row
// is reused when the source is a single row high); odd trailing rows and
// columns are dropped. Every output row depends on one aligned pair of
// source rows, so feeding the source in strips of any height gives the same
// result as feeding it whole.
type Halver struct {
	srcW, srcH int
	outW, outH int
	sink       RowSink
	col        *Collector

	pending []byte
	hasPend bool
	row     []byte
	seen    int
	outY    int
}

// NewHalver prepares a downsampler for a width x height source whose output
// is collected in memory and returned by Result.
func NewHalver(width, height int) *Halver {
	w, h := HalfDims(width, height)
	col := NewCollector(w, h)
	hv := NewHalvingSink(width, height, col)
	hv.col = col
	return hv
}

// NewHalvingSink prepares a downsampler that forwards each output row to out
// as soon as it is complete.
func NewHalvingSink(width, height int, out RowSink) *Halver {
	w, h := HalfDims(width, height)
	return &Halver{
		srcW:    width,
		srcH:    height,
		outW:    w,
		outH:    h,
		sink:    out,
		pending: make([]byte, width*BytesPerPixel),
		row:     make([]byte, w*BytesPerPixel),
	}
}

// Dims returns the output dimensions.
func (hv *Halver) Dims() (int, int) { return hv.outW, hv.outH }

// WriteRows implements RowSink.
func (hv *Halver) WriteRows(rgb []byte) error {
	stride := hv.srcW * BytesPerPixel
	if len(rgb)%stride != 0 {
		return fmt.Errorf("raster: halver: %d bytes is not a whole number of rows", len(rgb))
	}
	if hv.seen+len(rgb)/stride > hv.srcH {
		return fmt.Errorf("raster: halver: received %d rows, source height is %d", hv.seen+len(rgb)/stride, hv.srcH)
	}
	for off := 0; off < len(rgb); off += stride {
		row := rgb[off : off+stride]
		hv.seen++
		if !hv.hasPend {
			copy(hv.pending, row)
			hv.hasPend = true
			continue
		}
		hv.hasPend = false
		if err := hv.emit(hv.pending, row); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits the last output row of a single-row source. Call it once the
// whole source has been written.
func (hv *Halver) Flush() error {
	if !hv.hasPend {
		return nil
	}
	hv.hasPend = false
	return hv.emit(hv.pending, hv.pending)
}

// Result flushes and returns the downsampled image. It is nil for halvers
// created with NewHalvingSink.
func (hv *Halver) Result() *Image {
	if hv.col == nil {
		return nil
	}
	_ = hv.Flush()
	return hv.col.Image()
}

func (hv *Halver) emit(top, bottom []byte) error {
	if hv.outY >= hv.outH {
		return nil
	}
	last := hv.srcW - 1
	for c := 0; c < hv.outW; c++ {
		x0 := 2 * c
		x1 := min(x0+1, last)
		for k := 0; k < BytesPerPixel; k++ {
			sum := uint32(top[x0*3+k]) + uint32(top[x1*3+k]) +
				uint32(bottom[x0*3+k]) + uint32(bottom[x1*3+k])
			hv.row[c*3+k] = byte((sum + 2) / 4)
		}
	}
	hv.outY++
	return hv.sink.WriteRows(hv.row)
}

// Half downsamples a whole in-memory image.
func Half(m *Image) *Image {
	hv := NewHalver(m.Width, m.Height)
	_ = hv.WriteRows(m.Pix)
	return hv.Result()
}
