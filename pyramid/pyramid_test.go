package pyramid

import (
	"context"
	"encoding/xml"
	"errors"
	"image"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/scrollstitch/raster"
)

func noise(w, h int, seed uint64) *raster.Image {
	rng := rand.New(rand.NewPCG(seed, 3))
	m := raster.New(w, h)
	for i := range m.Pix {
		m.Pix[i] = byte(rng.IntN(256))
	}
	return m
}

func newGen(t *testing.T, cfg Config) *Generator {
	t.Helper()
	g, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// reassemble stitches the tiles of one level back into an image.
func reassemble(t *testing.T, dir string, m *Manifest, level int) *raster.Image {
	t.Helper()
	info := m.Levels[level]
	out := raster.New(info.Width, info.Height)
	for row := 0; row < info.TilesY; row++ {
		for col := 0; col < info.TilesX; col++ {
			tile, err := raster.LoadFile(TilePath(dir, level, col, row, m.Format))
			if err != nil {
				t.Fatal(err)
			}
			x0, y0 := col*m.TileSize, row*m.TileSize
			for y := 0; y < tile.Height; y++ {
				copy(out.Row(y0 + y)[x0*raster.BytesPerPixel:], tile.Row(y))
			}
		}
	}
	return out
}

func TestNumLevels(t *testing.T) {
	cases := []struct{ w, h, tile, want int }{
		{4000, 100, 256, 5},
		{256, 256, 256, 1},
		{100, 50, 256, 1},
		{257, 10, 256, 2},
		{512, 512, 256, 2},
		{1, 100000, 256, 10},
	}
	for _, c := range cases {
		if got := NumLevels(c.w, c.h, c.tile); got != c.want {
			t.Errorf("NumLevels(%d,%d,%d) = %d, want %d", c.w, c.h, c.tile, got, c.want)
		}
	}
}

func TestGeometryCoarsestFitsOneTile(t *testing.T) {
	levels := Geometry(4000, 100, 256)
	if len(levels) != 5 {
		t.Fatalf("levels = %d", len(levels))
	}
	finest := levels[4]
	if finest.Width != 4000 || finest.Height != 100 || finest.TilesX != 16 || finest.TilesY != 1 {
		t.Errorf("finest = %+v", finest)
	}
	coarsest := levels[0]
	if coarsest.Width > 256 || coarsest.Height > 256 || coarsest.Tiles() != 1 {
		t.Errorf("coarsest = %+v", coarsest)
	}
	if coarsest.Width != 250 || coarsest.Height != 6 {
		t.Errorf("coarsest dims = %dx%d, want 250x6", coarsest.Width, coarsest.Height)
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	img := noise(600, 300, 1)
	dir := t.TempDir()
	g := newGen(t, Config{TileSize: 128, Format: "png", Encoders: 3})

	m, err := g.GenerateImage(context.Background(), img, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Levels) != 4 {
		t.Fatalf("levels = %d, want 4", len(m.Levels))
	}
	finest := len(m.Levels) - 1
	if got := reassemble(t, dir, m, finest); !got.Equal(img) {
		t.Fatal("finest level tiles do not reproduce the image")
	}

	// Coarser levels match whole-image halving.
	want := img
	for l := finest - 1; l >= 0; l-- {
		want = raster.Half(want)
		if got := reassemble(t, dir, m, l); !got.Equal(want) {
			t.Fatalf("level %d differs from whole-image downsample", l)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "3"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != m.Levels[finest].Tiles() {
		t.Errorf("finest level has %d files, want %d", len(entries), m.Levels[finest].Tiles())
	}
	if m.TileCount() != 5*3+3*2+2*1+1 {
		t.Errorf("tile count = %d", m.TileCount())
	}
}

func TestManifestAndDescriptor(t *testing.T) {
	dir := t.TempDir()
	g := newGen(t, DefaultConfig())
	if _, err := g.GenerateImage(context.Background(), noise(300, 40, 2), dir); err != nil {
		t.Fatal(err)
	}

	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Width != 300 || m.Height != 40 || m.TileSize != 256 || m.Overlap != 0 || m.Format != "png" {
		t.Errorf("manifest = %+v", m)
	}
	if len(m.Levels) != 2 || m.Levels[0].Level != 0 || m.Levels[1].Level != 1 {
		t.Errorf("levels = %+v", m.Levels)
	}

	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		t.Fatal(err)
	}
	var doc dziImage
	if err := xml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.XMLName.Space != "http://schemas.microsoft.com/deepzoom/2008" {
		t.Errorf("namespace = %q", doc.XMLName.Space)
	}
	if doc.Size.Width != 300 || doc.Size.Height != 40 || doc.TileSize != 256 || doc.Format != "png" {
		t.Errorf("descriptor = %+v", doc)
	}
}

func TestOverlapTiles(t *testing.T) {
	img := noise(100, 90, 3)
	dir := t.TempDir()
	g := newGen(t, Config{TileSize: 32, Overlap: 4, Format: "png"})
	m, err := g.GenerateImage(context.Background(), img, dir)
	if err != nil {
		t.Fatal(err)
	}
	finest := len(m.Levels) - 1
	tile, err := raster.LoadFile(TilePath(dir, finest, 1, 1, "png"))
	if err != nil {
		t.Fatal(err)
	}
	if want := img.Crop(image.Rect(28, 28, 68, 68)); !tile.Equal(want) {
		t.Errorf("interior tile is %dx%d, want the 40x40 crop with margins", tile.Width, tile.Height)
	}
	corner, err := raster.LoadFile(TilePath(dir, finest, 0, 0, "png"))
	if err != nil {
		t.Fatal(err)
	}
	if corner.Width != 36 || corner.Height != 36 {
		t.Errorf("corner tile = %dx%d, want 36x36", corner.Width, corner.Height)
	}
	last, err := raster.LoadFile(TilePath(dir, finest, 3, 2, "png"))
	if err != nil {
		t.Fatal(err)
	}
	if want := img.Crop(image.Rect(92, 60, 100, 90)); !last.Equal(want) {
		t.Errorf("edge tile = %dx%d, want 8x30", last.Width, last.Height)
	}
}

func TestJPEGTiles(t *testing.T) {
	dir := t.TempDir()
	g := newGen(t, Config{TileSize: 64, Format: "jpg", JPEGQuality: 80})
	m, err := g.GenerateImage(context.Background(), noise(70, 70, 4), dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Format != "jpg" {
		t.Errorf("format = %q, want jpg", m.Format)
	}
	if _, err := os.Stat(TilePath(dir, 1, 1, 1, "jpg")); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateFromSpill(t *testing.T) {
	img := noise(90, 700, 5)
	sw, err := raster.CreateSpill(filepath.Join(t.TempDir(), "c.spill"), img.Width)
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < img.Height; y += 250 {
		if err := sw.WriteRows(img.Rows(y, min(img.Height, y+250))); err != nil {
			t.Fatal(err)
		}
	}
	sp, err := sw.Finish()
	if err != nil {
		t.Fatal(err)
	}
	defer sp.Remove()

	dir := t.TempDir()
	g := newGen(t, Config{TileSize: 100, Format: "png"})
	m, err := g.Generate(context.Background(), sp, dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := reassemble(t, dir, m, len(m.Levels)-1); !got.Equal(img) {
		t.Fatal("tiles from spill differ from source")
	}
}

type failingSource struct{ raster.RowSource }

var errBroken = errors.New("broken read")

func (failingSource) ReadRows(y0, y1 int, dst []byte) error { return errBroken }

func TestGenerateReportsReadError(t *testing.T) {
	g := newGen(t, DefaultConfig())
	dir := t.TempDir()
	_, err := g.Generate(context.Background(), failingSource{raster.SourceOf(noise(10, 10, 6))}, dir)
	if !errors.Is(err, errBroken) {
		t.Fatalf("err = %v, want wrapped read error", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); !os.IsNotExist(err) {
		t.Error("manifest written for a failed run")
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{TileSize: 0, Format: "png"},
		{TileSize: 64, Overlap: 64, Format: "png"},
		{TileSize: 64, Format: "tiff"},
		{TileSize: 64, Format: "jpeg", JPEGQuality: 101},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", c)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
