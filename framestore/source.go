package framestore

import (
	"fmt"

	"github.com/hazyhaar/scrollstitch/raster"
)

// Source decodes the frames of a session on demand, in frame-number order.
// It satisfies compose.FrameSource; only the frames a render band touches
// are ever resident.
type Source struct {
	frames []*Frame
}

// NewSource wraps frame records already ordered by frame number.
func NewSource(frames []*Frame) *Source { return &Source{frames: frames} }

// Len returns the number of frames.
func (s *Source) Len() int { return len(s.frames) }

// Frame returns the i-th record.
func (s *Source) Frame(i int) *Frame { return s.frames[i] }

// Load decodes the i-th frame from disk and checks it against its record.
func (s *Source) Load(i int) (*raster.Image, error) {
	f := s.frames[i]
	m, err := raster.LoadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("framestore: frame %d: %w", f.FrameNumber, err)
	}
	if m.Width != f.Width || m.Height != f.Height {
		return nil, fmt.Errorf("framestore: frame %d is %dx%d on disk, %dx%d in the index",
			f.FrameNumber, m.Width, m.Height, f.Width, f.Height)
	}
	return m, nil
}
