// Package pyramid slices an image into a multi-resolution tile pyramid for
// pan and zoom viewers.
//
// The finest level is read from a raster.RowSource one tile row at a time.
// Each level streams its rows into a 2x downsampler feeding the next coarser
// level, so every level is tiled as soon as enough of its rows exist and no
// level is ever held whole. Tiles are encoded concurrently.
//
// Layout of a tile directory:
//
//	manifest.json
//	thread.dzi
//	<level>/<col>_<row>.<ext>
package pyramid

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/scrollstitch/raster"
)

// Config controls tiling.
type Config struct {
	TileSize    int    `yaml:"tile_size"`
	Overlap     int    `yaml:"overlap"`
	Format      string `yaml:"format"`
	JPEGQuality int    `yaml:"jpeg_quality"`
	// Encoders bounds concurrent tile encodes. Zero means GOMAXPROCS.
	Encoders int `yaml:"encoders"`
}

// DefaultConfig returns 256px png tiles without overlap.
func DefaultConfig() Config {
	return Config{TileSize: 256, Format: raster.FormatPNG, JPEGQuality: 90}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("pyramid: tile_size must be positive, got %d", c.TileSize)
	}
	if c.Overlap < 0 || c.Overlap >= c.TileSize {
		return fmt.Errorf("pyramid: overlap must be in [0, tile_size), got %d", c.Overlap)
	}
	if _, err := raster.NormalizeFormat(c.Format); err != nil {
		return err
	}
	if c.JPEGQuality < 0 || c.JPEGQuality > 100 {
		return fmt.Errorf("pyramid: jpeg_quality must be in [0, 100], got %d", c.JPEGQuality)
	}
	return nil
}

// Generator writes pyramids.
type Generator struct {
	cfg    Config
	ext    string
	format string
	logger *slog.Logger
}

// New validates cfg and returns a Generator. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	format, _ := raster.NormalizeFormat(cfg.Format)
	if cfg.Encoders <= 0 {
		cfg.Encoders = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, format: format, ext: raster.Extension(format), logger: logger}, nil
}

// Generate tiles src into dir, then writes the manifest and the Deep Zoom
// descriptor. dir is created if needed. On error, dir may hold a partial
// pyramid without a manifest; the caller decides whether to remove it.
func (g *Generator) Generate(ctx context.Context, src raster.RowSource, dir string) (*Manifest, error) {
	w, h := src.Width(), src.Height()
	if w <= 0 || h <= 0 {
		return nil, raster.ErrEmptyImage
	}
	start := time.Now()
	m := &Manifest{
		Width:    w,
		Height:   h,
		TileSize: g.cfg.TileSize,
		Overlap:  g.cfg.Overlap,
		Format:   g.ext,
		Levels:   Geometry(w, h, g.cfg.TileSize),
	}
	for _, l := range m.Levels {
		if err := os.MkdirAll(filepath.Join(dir, fmt.Sprint(l.Level)), 0o755); err != nil {
			return nil, fmt.Errorf("pyramid: mkdir: %w", err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Encoders)
	run := &run{gen: g, dir: dir, eg: eg, ctx: egCtx}

	// Chain of level writers, finest first.
	var coarser *levelWriter
	var finest *levelWriter
	for _, l := range m.Levels {
		lw := &levelWriter{run: run, info: l, coarser: coarser}
		if coarser != nil {
			lw.down = raster.NewHalvingSink(l.Width, l.Height, coarser)
		}
		coarser, finest = lw, lw
	}

	err := feed(egCtx, src, finest, g.cfg.TileSize)
	if err == nil {
		err = finest.finish()
	}
	if werr := eg.Wait(); werr != nil {
		err = werr
	}
	if err != nil {
		return nil, err
	}

	if err := writeManifest(dir, m); err != nil {
		return nil, fmt.Errorf("pyramid: write manifest: %w", err)
	}
	if err := writeDescriptor(dir, m); err != nil {
		return nil, fmt.Errorf("pyramid: write descriptor: %w", err)
	}
	g.logger.Info("pyramid: tiles generated",
		"dir", dir,
		"levels", len(m.Levels),
		"tiles", run.tiles.Load(),
		"duration", time.Since(start))
	return m, nil
}

// GenerateImage tiles an in-memory image.
func (g *Generator) GenerateImage(ctx context.Context, img *raster.Image, dir string) (*Manifest, error) {
	return g.Generate(ctx, raster.SourceOf(img), dir)
}

func feed(ctx context.Context, src raster.RowSource, dst raster.RowSink, rows int) error {
	stride := src.Width() * raster.BytesPerPixel
	buf := make([]byte, rows*stride)
	for y := 0; y < src.Height(); y += rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		y1 := min(src.Height(), y+rows)
		strip := buf[:(y1-y)*stride]
		if err := src.ReadRows(y, y1, strip); err != nil {
			return fmt.Errorf("pyramid: read rows %d-%d: %w", y, y1, err)
		}
		if err := dst.WriteRows(strip); err != nil {
			return err
		}
	}
	return nil
}

// run is the state shared by the level writers of one Generate call.
type run struct {
	gen   *Generator
	dir   string
	eg    *errgroup.Group
	ctx   context.Context
	tiles atomic.Int64
}

func (r *run) submit(level, col, row int, tile *raster.Image) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	path := TilePath(r.dir, level, col, row, r.gen.ext)
	r.eg.Go(func() error {
		if err := raster.SaveFile(path, tile, r.gen.format, r.gen.cfg.JPEGQuality); err != nil {
			return fmt.Errorf("pyramid: tile %d/%d_%d: %w", level, col, row, err)
		}
		r.tiles.Add(1)
		return nil
	})
	return nil
}

// levelWriter buffers the rows of one level until a full tile row, plus its
// overlap margin, is available.
type levelWriter struct {
	run     *run
	info    LevelInfo
	down    *raster.Halver
	coarser *levelWriter

	buf      []byte
	bufY0    int
	received int
	tileRow  int
}

// WriteRows implements raster.RowSink.
func (lw *levelWriter) WriteRows(rgb []byte) error {
	stride := lw.info.Width * raster.BytesPerPixel
	n := len(rgb) / stride
	if lw.received+n > lw.info.Height {
		return fmt.Errorf("pyramid: level %d: %d rows overflow height %d", lw.info.Level, lw.received+n, lw.info.Height)
	}
	lw.buf = append(lw.buf, rgb...)
	lw.received += n
	if lw.down != nil {
		if err := lw.down.WriteRows(rgb); err != nil {
			return err
		}
	}
	return lw.drain()
}

func (lw *levelWriter) drain() error {
	ts, ov := lw.run.gen.cfg.TileSize, lw.run.gen.cfg.Overlap
	stride := lw.info.Width * raster.BytesPerPixel
	for lw.tileRow < lw.info.TilesY {
		y0 := max(0, lw.tileRow*ts-ov)
		y1 := min(lw.info.Height, (lw.tileRow+1)*ts+ov)
		if lw.received < y1 {
			return nil
		}
		strip := &raster.Image{
			Width:  lw.info.Width,
			Height: y1 - y0,
			Pix:    lw.buf[(y0-lw.bufY0)*stride : (y1-lw.bufY0)*stride],
		}
		for col := 0; col < lw.info.TilesX; col++ {
			x0 := max(0, col*ts-ov)
			x1 := min(lw.info.Width, (col+1)*ts+ov)
			tile := strip.Crop(image.Rect(x0, 0, x1, strip.Height))
			if err := lw.run.submit(lw.info.Level, col, lw.tileRow, tile); err != nil {
				return err
			}
		}
		lw.tileRow++

		keep := max(0, lw.tileRow*ts-ov)
		if drop := min(keep-lw.bufY0, len(lw.buf)/stride); drop > 0 {
			n := copy(lw.buf, lw.buf[drop*stride:])
			lw.buf = lw.buf[:n]
			lw.bufY0 += drop
		}
	}
	return nil
}

// finish is called once every row of the level has been written.
func (lw *levelWriter) finish() error {
	if lw.received != lw.info.Height {
		return fmt.Errorf("pyramid: level %d: got %d of %d rows", lw.info.Level, lw.received, lw.info.Height)
	}
	if err := lw.drain(); err != nil {
		return err
	}
	lw.buf = nil
	if lw.down == nil {
		return nil
	}
	if err := lw.down.Flush(); err != nil {
		return err
	}
	return lw.coarser.finish()
}
