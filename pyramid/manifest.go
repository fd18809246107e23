package pyramid

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hazyhaar/scrollstitch/raster"
)

// File names written at the root of a tile directory.
const (
	ManifestFile   = "manifest.json"
	DescriptorFile = "thread.dzi"
)

// LevelInfo describes one pyramid level. Level 0 is the coarsest.
type LevelInfo struct {
	Level  int `json:"level"`
	Width  int `json:"width"`
	Height int `json:"height"`
	TilesX int `json:"tiles_x"`
	TilesY int `json:"tiles_y"`
}

// Tiles returns the number of tiles on the level.
func (l LevelInfo) Tiles() int { return l.TilesX * l.TilesY }

// Manifest describes a written pyramid. Levels are ordered coarsest first.
type Manifest struct {
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	TileSize int         `json:"tile_size"`
	Overlap  int         `json:"overlap"`
	Format   string      `json:"format"`
	Levels   []LevelInfo `json:"levels"`
}

// TileCount sums the tiles of every level.
func (m *Manifest) TileCount() int {
	n := 0
	for _, l := range m.Levels {
		n += l.Tiles()
	}
	return n
}

// NumLevels returns ceil(log2(max(w,h)/tileSize)) + 1, and 1 when the image
// already fits in one tile.
func NumLevels(width, height, tileSize int) int {
	if tileSize <= 0 {
		return 1
	}
	longest := max(width, height)
	k := 0
	for tileSize<<k < longest {
		k++
	}
	return k + 1
}

// Geometry computes the level table for a width x height image. The finest
// level has index len-1 and the full dimensions; each coarser level halves
// both dimensions.
func Geometry(width, height, tileSize int) []LevelInfo {
	n := NumLevels(width, height, tileSize)
	levels := make([]LevelInfo, n)
	w, h := width, height
	for l := n - 1; l >= 0; l-- {
		levels[l] = LevelInfo{
			Level:  l,
			Width:  w,
			Height: h,
			TilesX: ceilDiv(w, tileSize),
			TilesY: ceilDiv(h, tileSize),
		}
		w, h = raster.HalfDims(w, h)
	}
	return levels
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// TilePath returns the location of one tile under dir.
func TilePath(dir string, level, col, row int, ext string) string {
	return filepath.Join(dir, fmt.Sprint(level), fmt.Sprintf("%d_%d.%s", col, row, ext))
}

// ReadManifest loads manifest.json from a tile directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("pyramid: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("pyramid: parse manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return raster.WriteAtomic(filepath.Join(dir, ManifestFile), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

type dziImage struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/deepzoom/2008 Image"`
	Format   string   `xml:"Format,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Size     dziSize  `xml:"Size"`
}

type dziSize struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

func writeDescriptor(dir string, m *Manifest) error {
	doc := dziImage{
		Format:   m.Format,
		Overlap:  m.Overlap,
		TileSize: m.TileSize,
		Size:     dziSize{Width: m.Width, Height: m.Height},
	}
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return raster.WriteAtomic(filepath.Join(dir, DescriptorFile), func(w io.Writer) error {
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	})
}
