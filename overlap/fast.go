package overlap

import (
	"math"
	"math/bits"

	"github.com/hazyhaar/scrollstitch/raster"
)

// keypoint is a corner found on one level of the feature pyramid. x and y
// are level coordinates; scale converts them back to the search region.
type keypoint struct {
	x, y  int
	level int
	score int
	bin   int // orientation bin in [0, angleBins)
}

// Bresenham circle of radius 3, clockwise from 12 o'clock.
var fastCircle = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

const fastArc = 9

// fastScore returns the FAST-9 corner score of (x, y), or 0 when the pixel
// is not a corner. The score is the summed contrast beyond the threshold
// over the winning side of the circle.
func fastScore(g *raster.Gray, x, y, t int) int {
	p := int(g.At(x, y))
	var vals [16]int
	var bright, dark uint32
	for i, o := range fastCircle {
		v := int(g.At(x+o[0], y+o[1]))
		vals[i] = v
		switch {
		case v > p+t:
			bright |= 1 << i
		case v < p-t:
			dark |= 1 << i
		}
	}
	// A contiguous arc of 9 always covers two of the four compass points.
	const compass = 1 | 1<<4 | 1<<8 | 1<<12
	if bits.OnesCount32(bright&compass) < 2 && bits.OnesCount32(dark&compass) < 2 {
		return 0
	}

	score := 0
	switch {
	case hasArc(bright):
		for i, v := range vals {
			if bright&(1<<i) != 0 {
				score += v - p - t
			}
		}
	case hasArc(dark):
		for i, v := range vals {
			if dark&(1<<i) != 0 {
				score += p - v - t
			}
		}
	}
	return score
}

func hasArc(mask uint32) bool {
	if mask == 0 {
		return false
	}
	wrapped := mask | mask<<16
	run := 0
	for i := 0; i < 32; i++ {
		if wrapped&(1<<i) != 0 {
			run++
			if run >= fastArc {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// detectCorners runs FAST-9 with 3x3 non-maximum suppression over the part
// of g at least border pixels away from every edge. Ties between equal
// neighbours go to the one earlier in raster order so the result only
// depends on local content.
func detectCorners(g *raster.Gray, t, border, level int) []keypoint {
	w, h := g.Width, g.Height
	if w <= 2*border || h <= 2*border {
		return nil
	}
	scores := make([]int, w*h)
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			scores[y*w+x] = fastScore(g, x, y, t)
		}
	}

	var kps []keypoint
	for y := border; y < h-border; y++ {
		for x := border; x < w-border; x++ {
			i := y*w + x
			s := scores[i]
			if s == 0 || !isLocalMax(scores, w, i, s) {
				continue
			}
			kps = append(kps, keypoint{x: x, y: y, level: level, score: s})
		}
	}
	return kps
}

func isLocalMax(scores []int, w, i, s int) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := i + dy*w + dx
			if scores[n] > s || (scores[n] == s && n < i) {
				return false
			}
		}
	}
	return true
}

const orientRadius = 15

// orientRows holds the half width of the orientation disk for each |dy|.
var orientRows = func() [orientRadius + 1]int {
	var u [orientRadius + 1]int
	for dy := 0; dy <= orientRadius; dy++ {
		u[dy] = int(math.Sqrt(float64(orientRadius*orientRadius - dy*dy)))
	}
	return u
}()

// orientationBin computes the intensity-centroid angle of the disk around
// (x, y) and quantizes it to one of angleBins steps.
func orientationBin(g *raster.Gray, x, y int) int {
	var m10, m01 int
	for dy := -orientRadius; dy <= orientRadius; dy++ {
		half := orientRows[abs(dy)]
		row := g.Pix[(y+dy)*g.Width:]
		for dx := -half; dx <= half; dx++ {
			v := int(row[x+dx])
			m10 += dx * v
			m01 += dy * v
		}
	}
	angle := math.Atan2(float64(m01), float64(m10))
	bin := int(math.Round(angle/(2*math.Pi/angleBins))) % angleBins
	if bin < 0 {
		bin += angleBins
	}
	return bin
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// halveGray averages 2x2 blocks; odd trailing rows and columns are dropped.
func halveGray(g *raster.Gray) *raster.Gray {
	w, h := g.Width/2, g.Height/2
	out := &raster.Gray{Width: w, Height: h, Pix: make([]byte, w*h)}
	for y := 0; y < h; y++ {
		top := g.Pix[2*y*g.Width:]
		bot := g.Pix[(2*y+1)*g.Width:]
		dst := out.Pix[y*w : (y+1)*w]
		for x := range dst {
			sum := int(top[2*x]) + int(top[2*x+1]) + int(bot[2*x]) + int(bot[2*x+1])
			dst[x] = byte((sum + 2) / 4)
		}
	}
	return out
}
