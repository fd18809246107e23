// Package compose stitches an ordered run of overlapping frames into one
// tall canvas.
//
// Canvases up to Config.ChunkThresholdRows are rendered in a single buffer.
// Taller ones are rendered band by band into a raster.RowSink, so only one
// band and the frames crossing it are resident. Both paths run the same
// per-row kernel in the same frame order and produce identical pixels.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/scrollstitch/overlap"
	"github.com/hazyhaar/scrollstitch/raster"
)

// ErrNoFrames is returned when there is nothing to compose.
var ErrNoFrames = errors.New("compose: no frames")

// Config controls the large-canvas strategy.
type Config struct {
	// ChunkThresholdRows is the canvas height above which rendering is
	// banded.
	ChunkThresholdRows int `yaml:"chunk_threshold_rows"`
	// BandRows is the band height on the banded path.
	BandRows int `yaml:"band_rows"`
}

// DefaultConfig returns the composer defaults.
func DefaultConfig() Config {
	return Config{ChunkThresholdRows: 30000, BandRows: 10000}
}

// Composer builds stitch plans and renders them.
type Composer struct {
	est        *overlap.Estimator
	cfg        Config
	logger     *slog.Logger
	onFallback func()
}

// Option configures a Composer.
type Option func(*Composer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Composer) { c.logger = l }
}

// WithFallbackHook registers fn to be called on every overlap fallback.
func WithFallbackHook(fn func()) Option {
	return func(c *Composer) { c.onFallback = fn }
}

// New creates a Composer. A nil estimator uses overlap defaults.
func New(est *overlap.Estimator, cfg Config, opts ...Option) *Composer {
	d := DefaultConfig()
	if cfg.ChunkThresholdRows <= 0 {
		cfg.ChunkThresholdRows = d.ChunkThresholdRows
	}
	if cfg.BandRows <= 0 {
		cfg.BandRows = d.BandRows
	}
	if est == nil {
		est = overlap.New(overlap.DefaultConfig())
	}
	c := &Composer{est: est, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chunked reports whether plan is rendered band by band.
func (c *Composer) Chunked(plan *Plan) bool {
	return plan.Height > c.cfg.ChunkThresholdRows
}

// Render writes the canvas described by plan to sink, top to bottom.
func (c *Composer) Render(ctx context.Context, src FrameSource, plan *Plan, sink raster.RowSink) error {
	if len(plan.Placements) == 0 {
		return ErrNoFrames
	}
	bandRows := plan.Height
	if c.Chunked(plan) {
		bandRows = c.cfg.BandRows
		c.logger.Info("compose: banded rendering",
			"height", plan.Height,
			"band_rows", bandRows,
			"canvas", humanize.Bytes(plan.SizeBytes()))
	} else {
		c.logger.Debug("compose: single buffer", "canvas", humanize.Bytes(plan.SizeBytes()))
	}

	frames := &frameCache{src: src}
	// A reserving sink is painted in place; anything else gets a band copy.
	res, inPlace := sink.(raster.RowReserver)
	var band []byte
	if !inPlace {
		band = make([]byte, bandRows*plan.Width*raster.BytesPerPixel)
	}
	for y0 := 0; y0 < plan.Height; y0 += bandRows {
		if err := ctx.Err(); err != nil {
			return err
		}
		y1 := min(plan.Height, y0+bandRows)
		var buf []byte
		if inPlace {
			var err error
			if buf, err = res.ReserveRows(y1 - y0); err != nil {
				return fmt.Errorf("compose: reserve rows %d-%d: %w", y0, y1, err)
			}
		} else {
			buf = band[:(y1-y0)*plan.Width*raster.BytesPerPixel]
		}
		clear(buf)
		if err := renderBand(plan, frames, y0, y1, buf); err != nil {
			return err
		}
		if inPlace {
			continue
		}
		if err := sink.WriteRows(buf); err != nil {
			return fmt.Errorf("compose: write rows %d-%d: %w", y0, y1, err)
		}
	}
	return nil
}

// Compose plans and renders src into an in-memory image. The banded path
// still applies above the threshold, but the result is collected whole.
func (c *Composer) Compose(ctx context.Context, src FrameSource) (*raster.Image, *Plan, error) {
	plan, err := c.Plan(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	col := raster.NewCollector(plan.Width, plan.Height)
	if err := c.Render(ctx, src, plan, col); err != nil {
		return nil, nil, err
	}
	return col.Image(), plan, nil
}

// renderBand paints canvas rows [y0, y1) into buf, which starts black.
func renderBand(plan *Plan, frames *frameCache, y0, y1 int, buf []byte) error {
	stride := plan.Width * raster.BytesPerPixel
	for i, p := range plan.Placements {
		top, bottom := max(y0, p.YStart), min(y1, p.End())
		if top >= bottom {
			continue
		}
		f, err := frames.get(p.Index)
		if err != nil {
			return fmt.Errorf("compose: load frame %d: %w", p.Index, err)
		}
		if f.Width != p.Width || f.Height != p.Height {
			return fmt.Errorf("compose: frame %d is %dx%d, planned %dx%d",
				p.Index, f.Width, f.Height, p.Width, p.Height)
		}
		blendEnd := p.YStart
		if i > 0 {
			blendEnd = min(p.End(), max(p.YStart, plan.Placements[i-1].End()))
		}
		for y := top; y < bottom; y++ {
			dst := buf[(y-y0)*stride:][:f.Stride()]
			src := f.Row(y - p.YStart)
			if y < blendEnd {
				blendRow(dst, src, y-p.YStart, plan.Placements[i-1].End()-p.YStart)
			} else {
				copy(dst, src)
			}
		}
	}
	return nil
}

// blendRow cross-fades src over dst with weight r/span for src, truncating.
func blendRow(dst, src []byte, r, span int) {
	keep := span - r
	for i, s := range src {
		dst[i] = byte((int(dst[i])*keep + int(s)*r) / span)
	}
}

// frameCache keeps the two most recently loaded frames. A band boundary
// cuts through at most the tail of one frame and the head of the next.
type frameCache struct {
	src  FrameSource
	idx  [2]int
	img  [2]*raster.Image
	next int
}

func (fc *frameCache) get(i int) (*raster.Image, error) {
	for k := range fc.img {
		if fc.img[k] != nil && fc.idx[k] == i {
			return fc.img[k], nil
		}
	}
	m, err := fc.src.Load(i)
	if err != nil {
		return nil, err
	}
	fc.idx[fc.next], fc.img[fc.next] = i, m
	fc.next = 1 - fc.next
	return m, nil
}
