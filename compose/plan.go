package compose

import (
	"context"
	"fmt"

	"github.com/hazyhaar/scrollstitch/raster"
)

// FrameSource yields frames in stitch order. Load may be called more than
// once for the same index; implementations decide whether to cache.
type FrameSource interface {
	Len() int
	Load(i int) (*raster.Image, error)
}

// Frames is an in-memory FrameSource.
type Frames []*raster.Image

func (f Frames) Len() int                          { return len(f) }
func (f Frames) Load(i int) (*raster.Image, error) { return f[i], nil }

// Placement positions one frame on the canvas.
type Placement struct {
	Index  int `json:"index"`
	YStart int `json:"y_start"`
	Width  int `json:"width"`
	Height int `json:"height"`
	// Offset is the estimated start of this frame in the previous frame's
	// rows; zero for the first frame.
	Offset   int  `json:"offset"`
	Fallback bool `json:"fallback,omitempty"`
}

// End returns the canvas row just below the frame.
func (p Placement) End() int { return p.YStart + p.Height }

// Plan is the ordered list of frame placements and the canvas they span.
// YStart is non-decreasing and the first placement starts at row 0.
type Plan struct {
	Placements []Placement `json:"placements"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Fallbacks  int         `json:"fallbacks"`
}

// SizeBytes reports the RGB size of the full canvas.
func (p *Plan) SizeBytes() uint64 {
	return uint64(p.Width) * uint64(p.Height) * raster.BytesPerPixel
}

// Plan estimates the offset of every consecutive pair of frames. Only two
// frames are resident at a time. A single frame needs no estimate.
func (c *Composer) Plan(ctx context.Context, src FrameSource) (*Plan, error) {
	n := src.Len()
	if n == 0 {
		return nil, ErrNoFrames
	}
	prev, err := src.Load(0)
	if err != nil {
		return nil, fmt.Errorf("compose: load frame 0: %w", err)
	}
	plan := &Plan{
		Placements: make([]Placement, 0, n),
		Width:      prev.Width,
	}
	plan.Placements = append(plan.Placements, Placement{Index: 0, Width: prev.Width, Height: prev.Height})

	y := 0
	for i := 1; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, err := src.Load(i)
		if err != nil {
			return nil, fmt.Errorf("compose: load frame %d: %w", i, err)
		}
		res := c.est.Estimate(prev, cur)
		if res.Fallback != nil {
			plan.Fallbacks++
			c.logger.Warn("compose: overlap fallback",
				"pair", fmt.Sprintf("%d-%d", i-1, i),
				"offset", res.Offset,
				"reason", res.Fallback)
			if c.onFallback != nil {
				c.onFallback()
			}
		}
		y += res.Offset
		plan.Placements = append(plan.Placements, Placement{
			Index:    i,
			YStart:   y,
			Width:    cur.Width,
			Height:   cur.Height,
			Offset:   res.Offset,
			Fallback: res.Fallback != nil,
		})
		plan.Width = max(plan.Width, cur.Width)
		prev = cur
	}
	plan.Height = plan.Placements[n-1].End()
	return plan, nil
}
